package routing

import (
	"context"

	someiperrors "github.com/someipd/someipd/internal/errors"
	"github.com/someipd/someipd/internal/discovery"
	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/transport"
	"github.com/someipd/someipd/internal/wire"
)

// isRequestLike reports whether t is a request-shaped message (REQUEST or
// REQUEST_NO_RETURN), the class spec §4.6 step 5 fills client_id/session_id
// for ("requests only").
func isRequestLike(t wire.MessageType) bool {
	switch t.Base() {
	case wire.MessageTypeRequest, wire.MessageTypeRequestNoReturn:
		return true
	default:
		return false
	}
}

// expectsReply reports whether t is the subset of request-shaped messages
// that get an E_NOT_REACHABLE synthesized on delivery failure; a
// REQUEST_NO_RETURN has no correlating reply path by design.
func expectsReply(t wire.MessageType) bool {
	return t.Base() == wire.MessageTypeRequest
}

// Route arbitrates and delivers one SOME/IP message addressed at key,
// implementing spec §4.6's five-step send arbitration:
//
//  1. resolve (service, instance) in the registry
//  2. forward over local IPC when the delivery target is local: the offering
//     provider for requests, the original requester for responses/errors,
//     and each matching eventgroup's subscriber set for notifications
//  3. otherwise pick the reliable/unreliable endpoint per message type and
//     the instance's offered reliability
//  4. on ambiguity, match response reliability to the request's, and use the
//     eventgroup's declared reliability for notifications
//  5. fill client_id/session_id on requests the sender left zero
func (m *Manager) Route(ctx context.Context, origin RouteOrigin, key registry.InstanceKey, msg wire.Message) error {
	inst, ok := m.reg.Instance(key)
	if !ok {
		return &someiperrors.ProtocolError{
			Kind:    someiperrors.ProtocolUnknownService,
			Service: key.ServiceID,
			Method:  msg.Header.MethodID,
			Details: "no provider offers this instance",
		}
	}

	if isRequestLike(msg.Header.MessageType) {
		if msg.Header.ClientID == 0 && origin.Local {
			msg.Header.ClientID = origin.ClientID
		}
		if msg.Header.SessionID == 0 {
			msg.Header.SessionID = m.sessions.next(msg.Header.ClientID, key.ServiceID, msg.Header.MethodID)
		}
	}

	if msg.Header.MessageType.Base() == wire.MessageTypeNotification {
		return m.routeNotification(ctx, origin, key, msg, inst)
	}

	if target, tryLocal := m.localForwardTarget(origin, msg, inst); tryLocal {
		if err := m.forwardLocal(ctx, target, msg); err == nil {
			return nil
		}
		// Fall through to the network path only if there is one; a purely
		// local provider with no endpoint is a genuine delivery failure.
		if !inst.HasReliable && !inst.HasUnreliable {
			return m.handleSendFailure(ctx, origin, key, msg)
		}
	}

	return m.sendRemote(ctx, origin, key, msg, inst)
}

// localForwardTarget resolves who Route should try to deliver msg to over
// local IPC, and whether that attempt is worth making at all.
//
// A RESPONSE/ERROR's InstanceKey is resolved by decodeAndResolve via the
// sending provider's own handle, so inst.Provider is always the message's
// own sender for these types; the actual destination is the original
// requester client_id arbitration step 5 already stamped onto the header.
// The attempt is made regardless of origin, since a response arriving over
// the network for a local original requester (origin.Local == false) needs
// local delivery just as much as one a local provider just answered.
func (m *Manager) localForwardTarget(origin RouteOrigin, msg wire.Message, inst registry.ServiceInstance) (registry.Handle, bool) {
	switch msg.Header.MessageType.Base() {
	case wire.MessageTypeResponse, wire.MessageTypeError:
		return registry.Handle(msg.Header.ClientID), msg.Header.ClientID != 0
	default:
		return inst.Provider, origin.Local && !discovery.IsRemote(inst.Provider)
	}
}

// routeNotification fans a NOTIFICATION out to every current subscriber of
// every eventgroup containing the notified event (spec §4.4/§4.5 pub/sub):
// an event may belong to more than one eventgroup, so subscribers are
// deduplicated across the union. Local subscribers each get their own
// local-IPC delivery; remote subscribers share the single network send the
// shared server endpoints already broadcast to every connected peer, so
// that send happens at most once regardless of how many remote peers
// subscribed.
func (m *Manager) routeNotification(ctx context.Context, origin RouteOrigin, key registry.InstanceKey, msg wire.Message, inst registry.ServiceInstance) error {
	seen := make(map[registry.Handle]bool)
	hasRemote := false
	for _, egID := range m.reg.EventgroupsForEvent(key, msg.Header.MethodID) {
		for _, sub := range m.reg.Subscribers(key, egID) {
			if seen[sub.ClientID] {
				continue
			}
			seen[sub.ClientID] = true
			if discovery.IsRemote(sub.ClientID) {
				hasRemote = true
				continue
			}
			if err := m.forwardLocal(ctx, sub.ClientID, msg); err != nil {
				m.log.Debug().Err(err).Uint32("subscriber", uint32(sub.ClientID)).Msg("failed to deliver notification to local subscriber")
			}
		}
	}
	if !hasRemote {
		return nil
	}
	return m.sendRemote(ctx, origin, key, msg, inst)
}

// sendRemote encodes msg and hands it to the reliable/unreliable endpoint
// resolved for key, implementing send-arbitration steps 3-4 for whichever
// message needs the network leg.
func (m *Manager) sendRemote(ctx context.Context, origin RouteOrigin, key registry.InstanceKey, msg wire.Message, inst registry.ServiceInstance) error {
	reliable := m.pickReliability(inst, msg, key)
	ep, ok := m.resolveEndpoint(key, reliable)
	if !ok {
		return m.handleSendFailure(ctx, origin, key, msg)
	}

	maxSize := m.codec.MaxUnreliable
	if reliable {
		maxSize = m.codec.MaxReliable
	}
	frame, err := wire.NewCodec(maxSize).Encode(msg)
	if err != nil {
		return err
	}

	result, err := ep.Send(ctx, transport.Frame{
		Bytes:        frame,
		ServiceID:    key.ServiceID,
		MethodID:     msg.Header.MethodID,
		IsResponse:   msg.Header.MessageType.Base() == wire.MessageTypeResponse || msg.Header.MessageType.Base() == wire.MessageTypeError,
		ReliableHint: reliable,
	})
	if err != nil || result == transport.Rejected {
		return m.handleSendFailure(ctx, origin, key, msg)
	}
	return nil
}

// HandleRemote resolves the InstanceKey a message arriving over a network
// endpoint implies and routes it, mirroring the same (service_id)-only
// ambiguity C3's local command path resolves through registry lookups: the
// wire header carries no instance_id, so the first instance
// InstancesByService returns for the service is used (map order: which one
// is not defined when several instances are offered). Used as the receive callback wired to the daemon's
// shared TCP/UDP server endpoints.
func (m *Manager) HandleRemote(ctx context.Context, msg wire.Message) error {
	candidates := m.reg.InstancesByService(msg.Header.ServiceID)
	if len(candidates) == 0 {
		return &someiperrors.ProtocolError{
			Kind:    someiperrors.ProtocolUnknownService,
			Service: msg.Header.ServiceID,
			Method:  msg.Header.MethodID,
			Details: "no instance registered for this service",
		}
	}
	return m.Route(ctx, RouteOrigin{Local: false}, candidates[0], msg)
}

// pickReliability resolves steps 3-4 of send arbitration.
func (m *Manager) pickReliability(inst registry.ServiceInstance, msg wire.Message, key registry.InstanceKey) bool {
	switch {
	case inst.HasReliable && !inst.HasUnreliable:
		return true
	case inst.HasUnreliable && !inst.HasReliable:
		return false
	}

	// BOTH: resolve the ambiguity per message type.
	switch msg.Header.MessageType.Base() {
	case wire.MessageTypeResponse, wire.MessageTypeError:
		return requestWasReliable(msg)
	case wire.MessageTypeNotification:
		if wire.IsEvent(msg.Header.MethodID) {
			if eg, ok := m.reg.Event(key, msg.Header.MethodID); ok {
				return eg.Reliable
			}
		}
		return false
	default:
		return true // requests default to the reliable leg when both exist
	}
}

// requestWasReliable is a placeholder hook for response-matches-request
// reliability matching; callers that know the originating request's
// transport should stamp it into the message's reserved bit via
// wire.Message before calling Route. Without that context this defaults to
// reliable, the safer leg for a BOTH-offered instance.
func requestWasReliable(wire.Message) bool { return true }

func (m *Manager) resolveEndpoint(key registry.InstanceKey, reliable bool) (transport.Endpoint, bool) {
	if m.eps == nil {
		return nil, false
	}
	if reliable {
		return m.eps.Reliable(key)
	}
	return m.eps.Unreliable(key)
}

func (m *Manager) forwardLocal(ctx context.Context, provider registry.Handle, msg wire.Message) error {
	att, ok := m.apps.Lookup(uint16(provider))
	if !ok || att.Session == nil {
		return ipc.ErrUnknownClient
	}
	frame, err := wire.NewCodec(m.codec.MaxReliable).Encode(msg)
	if err != nil {
		return err
	}
	_, err = att.Session.Send(ctx, att.ClientID, ipc.Send, frame)
	return err
}
