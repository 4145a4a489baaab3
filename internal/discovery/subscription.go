package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// subscriptionTracker processes inbound SubscribeEventgroup/StopSubscribe
// batches (spec §4.5): within one datagram, repeated entries for the same
// (service, instance, eventgroup) collapse to last-wins, except a
// StopSubscribe immediately followed by a Subscribe for the same key, which
// collapses to a refresh that preserves the underlying subscription rather
// than tearing it down. Per-sender ordering across datagrams is preserved
// by a dedicated worker goroutine per remote address, generalizing the
// teacher's one-goroutine-per-entity isolation.
type subscriptionTracker struct {
	engine *Engine

	mu      sync.Mutex
	workers map[string]chan subscribeJob
}

type subscribeJob struct {
	ctx     context.Context
	src     *net.UDPAddr
	entries []wire.SDEntry
	options []wire.SDOption
}

func newSubscriptionTracker(e *Engine) *subscriptionTracker {
	return &subscriptionTracker{engine: e, workers: make(map[string]chan subscribeJob)}
}

// handleBatch enqueues one datagram's worth of Subscribe/StopSubscribe
// entries for processing on src's dedicated worker.
func (t *subscriptionTracker) handleBatch(ctx context.Context, src *net.UDPAddr, entries []wire.SDEntry, options []wire.SDOption) {
	key := src.String()

	t.mu.Lock()
	ch, ok := t.workers[key]
	if !ok {
		ch = make(chan subscribeJob, 64)
		t.workers[key] = ch
		go t.run(ch)
	}
	t.mu.Unlock()

	ch <- subscribeJob{ctx: ctx, src: src, entries: entries, options: options}
}

func (t *subscriptionTracker) run(jobs chan subscribeJob) {
	for job := range jobs {
		t.process(job)
	}
}

// subscribeIntent is the collapsed, last-wins-per-eventgroup intent derived
// from one datagram's raw entries.
type subscribeIntent struct {
	key          registry.InstanceKey
	eventgroupID uint16
	entry        wire.SDEntry
	stop         bool
	// refresh marks a StopSubscribe immediately followed by a Subscribe for
	// the same eventgroup within the same datagram: the net effect is a
	// refresh of the existing subscription, not a teardown-then-recreate.
	refresh bool
}

func (t *subscriptionTracker) process(job subscribeJob) {
	collapsed := collapseSubscribeEntries(job.entries)

	provider := t.engine.peers.get(job.src.String())
	for _, intent := range collapsed {
		t.processOne(job.ctx, job.src, provider, intent, job.options)
	}
}

// collapseSubscribeEntries applies the last-wins and stop-then-subscribe
// refresh collapse rules over one datagram's entries, preserving the
// entries' original relative order for ties.
func collapseSubscribeEntries(entries []wire.SDEntry) []subscribeIntent {
	type slot struct {
		intent  subscribeIntent
		sawStop bool
	}
	order := make([]subEntryKey, 0, len(entries))
	byKey := make(map[subEntryKey]*slot, len(entries))

	for _, entry := range entries {
		key := registry.InstanceKey{ServiceID: entry.ServiceID, InstanceID: entry.InstanceID}
		sk := subEntryKey{key, entry.EventgroupID}

		s, exists := byKey[sk]
		isStop := entry.TTL == 0
		if !exists {
			s = &slot{}
			byKey[sk] = s
			order = append(order, sk)
		}

		refresh := s.sawStop && !isStop
		s.intent = subscribeIntent{key: key, eventgroupID: entry.EventgroupID, entry: entry, stop: isStop, refresh: refresh}
		if isStop {
			s.sawStop = true
		}
	}

	out := make([]subscribeIntent, 0, len(order))
	for _, sk := range order {
		out = append(out, byKey[sk].intent)
	}
	return out
}

type subEntryKey struct {
	registry.InstanceKey
	EventgroupID uint16
}

func (t *subscriptionTracker) processOne(ctx context.Context, src *net.UDPAddr, provider registry.Handle, intent subscribeIntent, options []wire.SDOption) {
	reg := t.engine.reg

	if intent.stop && !intent.refresh {
		reg.Unsubscribe(intent.key, intent.eventgroupID, provider)
		return
	}

	if _, ok := reg.Eventgroup(intent.key, intent.eventgroupID); !ok {
		t.ack(src, intent, false)
		return
	}

	if handler := t.engine.subscriptionHandler; handler != nil {
		allowed, _ := handler(ctx, intent.key, intent.eventgroupID, src)
		if !allowed {
			t.ack(src, intent, false)
			return
		}
	}

	reliable := false
	for _, opt := range t.engine.entryOptions(wire.SDMessage{Options: options}, intent.entry) {
		if opt.Protocol == wire.SDProtocolTCP {
			reliable = true
		}
	}

	reg.Subscribe(intent.key, intent.eventgroupID, provider, reliable, intent.entry.TTL)
	t.ack(src, intent, true)
}

// RequestSubscribe sends a SubscribeEventgroup entry to the remote peer that
// owns provider, on behalf of a local application requesting eventgroupID of
// key (spec §4.5 local-consumer subscribe flow). The eventual
// Ack/Nack arrives asynchronously through HandleDatagram and is reported via
// OnSubscribeAck. Returns nil without sending anything if provider is not a
// known remote handle; otherwise returns any error from resolving the peer's
// address or sending the entry.
func (e *Engine) RequestSubscribe(key registry.InstanceKey, eventgroupID uint16, major uint8, provider registry.Handle, reliable bool, ttl uint32) error {
	addr, ok := e.peers.addr(provider)
	if !ok {
		return nil // provider isn't a remote peer we've heard from; nothing to send
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return err
	}

	protocol := wire.SDProtocolUDP
	if reliable {
		protocol = wire.SDProtocolTCP
	}
	entry := wire.SDEntry{
		Type:          wire.SDEntrySubscribeEventgroup,
		ServiceID:     key.ServiceID,
		InstanceID:    key.InstanceID,
		MajorVersion:  major,
		TTL:           ttl,
		EventgroupID:  eventgroupID,
		Options1Index: 0,
		Options1Count: 1,
	}
	option := wire.SDOption{Type: wire.SDOptionIPv4Endpoint, Protocol: protocol}
	return e.sendUnicastSD(udpAddr, []wire.SDEntry{entry}, []wire.SDOption{option})
}

func (t *subscriptionTracker) ack(src *net.UDPAddr, intent subscribeIntent, ok bool) {
	ttl := intent.entry.TTL
	if !ok {
		ttl = 0
	}
	entry := wire.SDEntry{
		Type:         wire.SDEntrySubscribeEventgroupAck,
		ServiceID:    intent.key.ServiceID,
		InstanceID:   intent.key.InstanceID,
		MajorVersion: intent.entry.MajorVersion,
		TTL:          ttl,
		EventgroupID: intent.eventgroupID,
	}
	if err := t.engine.sendUnicastSD(src, []wire.SDEntry{entry}, nil); err != nil {
		t.engine.log.Debug().Err(err).Msg("failed to send subscribe ack/nack")
	}
}
