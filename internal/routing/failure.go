package routing

import (
	"context"
	"sync"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// sessionCounters hands out monotone session_ids per (client_id, service_id,
// method_id), skipping 0, for requests the sender left unset (spec §4.6 step
// 5, spec §8 P1 session monotonicity).
type sessionCounters struct {
	mu     sync.Mutex
	values map[sessionKey]uint16
}

type sessionKey struct {
	ClientID  uint16
	ServiceID uint16
	MethodID  uint16
}

func newSessionCounters() *sessionCounters {
	return &sessionCounters{values: make(map[sessionKey]uint16)}
}

func (c *sessionCounters) next(clientID, serviceID, methodID uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := sessionKey{clientID, serviceID, methodID}
	v := c.values[k] + 1
	if v == 0 {
		v = 1 // skip 0 on wraparound
	}
	c.values[k] = v
	return v
}

// endpointErrorCounters tracks consecutive codec errors per service instance
// so repeated failures can trigger an endpoint reset (spec §4.6: "Codec
// error on the wire ⇒ discard the frame, increment a per-endpoint error
// counter; repeated errors trigger endpoint reset").
type endpointErrorCounters struct {
	mu        sync.Mutex
	counts    map[registry.InstanceKey]int
	threshold int
}

func newEndpointErrorCounters(threshold int) *endpointErrorCounters {
	return &endpointErrorCounters{counts: make(map[registry.InstanceKey]int), threshold: threshold}
}

// RecordCodecError increments key's consecutive-error count and reports
// whether the threshold has just been crossed, in which case the caller
// should reset (close and reconnect) the offending endpoint.
func (m *Manager) RecordCodecError(key registry.InstanceKey) (resetNow bool) {
	m.errs.mu.Lock()
	defer m.errs.mu.Unlock()
	m.errs.counts[key]++
	if m.errs.counts[key] >= m.errs.threshold {
		m.errs.counts[key] = 0
		return true
	}
	return false
}

// ClearCodecErrors resets key's consecutive-error count, called after a
// successful decode.
func (m *Manager) ClearCodecErrors(key registry.InstanceKey) {
	m.errs.mu.Lock()
	delete(m.errs.counts, key)
	m.errs.mu.Unlock()
}

// SynthesizeNotReachable builds the ERROR reply spec §4.6 requires when an
// endpoint fails to deliver an in-flight request: same service/method/
// client/session as the failed request, return code E_NOT_REACHABLE, no
// payload.
func SynthesizeNotReachable(req wire.Message) wire.Message {
	return wire.Message{Header: wire.Header{
		ServiceID:        req.Header.ServiceID,
		MethodID:         req.Header.MethodID,
		ClientID:         req.Header.ClientID,
		SessionID:        req.Header.SessionID,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: req.Header.InterfaceVersion,
		MessageType:      wire.MessageTypeError,
		ReturnCode:       wire.ENotReachable,
	}}
}

// handleSendFailure implements the endpoint-error failure path: for a
// request-like message it synthesizes an E_NOT_REACHABLE reply and routes it
// straight back to a local originator (the only direction this layer can
// reverse without a reply-to endpoint reference); for anything else, or a
// remote originator, the failure is logged and swallowed, matching the
// documented simplification that this manager does not yet retain a
// per-inbound-message reply path for endpoint-sourced traffic.
func (m *Manager) handleSendFailure(ctx context.Context, origin RouteOrigin, key registry.InstanceKey, msg wire.Message) error {
	notReachable := &notReachableError{key: key, msg: msg}

	if expectsReply(msg.Header.MessageType) && origin.Local {
		reply := SynthesizeNotReachable(msg)
		if err := m.forwardLocal(ctx, registry.Handle(origin.ClientID), reply); err != nil {
			m.log.Warn().Err(err).Stringer("service", instanceLogKey{key}).Msg("failed to deliver synthesized E_NOT_REACHABLE to local originator")
		}
		return notReachable
	}

	m.log.Warn().Stringer("service", instanceLogKey{key}).Msg("send failed and no local originator to notify")
	return notReachable
}

type notReachableError struct {
	key registry.InstanceKey
	msg wire.Message
}

func (e *notReachableError) Error() string {
	return "routing: " + e.key.String() + ": E_NOT_REACHABLE"
}

type instanceLogKey struct{ registry.InstanceKey }

func (k instanceLogKey) String() string { return k.InstanceKey.String() }
