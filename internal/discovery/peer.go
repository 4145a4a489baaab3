package discovery

import (
	"sync"

	"github.com/someipd/someipd/internal/registry"
)

// remoteHandleBase separates remote-peer handles from local application
// handles in the shared registry.Handle space: local client_ids are 16-bit
// (spec §4.3), so starting remote handle allocation above 0xFFFF guarantees
// internal/routing can tell a local provider from a remote one by comparing
// the handle against this boundary, without a side table.
const remoteHandleBase registry.Handle = 1 << 16

// peerHandles assigns a stable registry.Handle to each remote SD peer
// address, so a remote node can act as both a registry.Offer provider and a
// registry.Subscribe client under one identity, matching spec §4.5's reboot
// cleanup ("drop all subscriptions to that peer, purge its offered
// instances... drop all incoming subscriptions from that peer") to a single
// registry.PurgeProvider(handle) call.
type peerHandles struct {
	mu     sync.Mutex
	byAddr map[string]registry.Handle
	byHandle map[registry.Handle]string
	nextID registry.Handle
}

func newPeerHandles() *peerHandles {
	return &peerHandles{
		byAddr:   make(map[string]registry.Handle),
		byHandle: make(map[registry.Handle]string),
		nextID:   remoteHandleBase,
	}
}

// IsRemote reports whether handle was assigned to a remote SD peer rather
// than a local application (spec §4.6 send-arbitration step 2).
func IsRemote(handle registry.Handle) bool { return handle >= remoteHandleBase }

func (p *peerHandles) get(addr string) registry.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.byAddr[addr]; ok {
		return h
	}
	h := registry.Handle(p.nextID)
	p.nextID++
	p.byAddr[addr] = h
	p.byHandle[h] = addr
	return h
}

// addr returns the socket address a remote handle was assigned from, if any,
// for callers that need to address a specific known remote provider (e.g.
// sending a unicast Subscribe on behalf of a local consumer).
func (p *peerHandles) addr(h registry.Handle) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byHandle[h]
	return a, ok
}

// remoteSessionState tracks the last-observed SD session_id and reboot flag
// for one remote peer, the state spec §4.5's reboot-detection rule compares
// against on every received SD datagram.
type remoteSessionState struct {
	sessionID  uint16
	rebootFlag bool
	seen       bool
}

// observe reports whether (sessionID, rebootFlag) signals a reboot relative
// to the previously observed state, and records the new state either way.
// A reboot is signaled by the reboot flag transitioning from unset to set, or
// by the session counter resetting to 1 while the peer's reboot flag stays
// set (spec §4.5: "the reboot flag toggles on every multicast per sender;
// receivers detect reboots by observing the flag transition plus a
// session_id reset").
func (s *remoteSessionState) observe(sessionID uint16, rebootFlag bool) (isReboot bool) {
	if !s.seen {
		s.seen = true
		s.sessionID = sessionID
		s.rebootFlag = rebootFlag
		return false
	}

	isReboot = (rebootFlag && !s.rebootFlag) || (rebootFlag && sessionID == 1 && sessionID < s.sessionID)
	s.sessionID = sessionID
	s.rebootFlag = rebootFlag
	return isReboot
}
