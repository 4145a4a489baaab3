package application

import (
	"context"

	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/wire"
)

// MessageHandler is invoked for every inbound SOME/IP request, response, or
// notification addressed to this application.
type MessageHandler func(msg wire.Message)

// AvailabilityHandler is invoked whenever a requested instance's
// availability changes, per spec §4.7 register_*_handler.
type AvailabilityHandler func(instance InstanceID, available bool)

type inboundMessage struct {
	msg wire.Message
}

type availabilityChange struct {
	instance  InstanceID
	available bool
}

// RegisterMessageHandler installs the callback invoked for inbound SOME/IP
// traffic. Replaces any previously registered handler.
func (a *Application) RegisterMessageHandler(fn MessageHandler) {
	a.mu.Lock()
	a.messageHandler = fn
	a.mu.Unlock()
}

// RegisterAvailabilityHandler installs the callback invoked whenever a
// requested instance's availability changes.
func (a *Application) RegisterAvailabilityHandler(fn AvailabilityHandler) {
	a.mu.Lock()
	a.availabilityHandler = fn
	a.mu.Unlock()
}

// deliver runs on the dispatch worker goroutine, never on the IPC read
// loop, so a slow callback cannot delay framing or keepalive replies.
func (a *Application) deliver(item dispatchItem) {
	switch item.kind {
	case dispatchMessage:
		a.mu.RLock()
		fn := a.messageHandler
		a.mu.RUnlock()
		if fn != nil {
			fn(item.msg.msg)
		}
	case dispatchAvailability:
		a.mu.RLock()
		fn := a.availabilityHandler
		a.mu.RUnlock()
		if fn != nil {
			fn(item.available.instance, item.available.available)
		}
	}
}

// onFrame is the ipc.Session handler: it runs on the IPC read loop and must
// never block, so every inbound command either does trivial bookkeeping
// inline or hands off to the dispatch queue (spec §4.7 backpressure).
func (a *Application) onFrame(f ipc.Frame) {
	ctx := context.Background()

	switch f.Command {
	case ipc.ApplicationInfo:
		info, err := ipc.DecodeApplicationInfo(f.Payload)
		if err != nil {
			a.log.Warn().Err(err).Msg("malformed APPLICATION_INFO")
			return
		}
		a.infoOnce.Do(func() { a.infoCh <- info })

	case ipc.ApplicationLost:
		lost, err := ipc.DecodeApplicationLost(f.Payload)
		if err != nil {
			a.log.Warn().Err(err).Msg("malformed APPLICATION_LOST")
			return
		}
		a.mu.Lock()
		delete(a.peers, lost.ClientID)
		a.mu.Unlock()

	case ipc.Ping:
		if err := a.session.HandlePing(ctx, a.clientID); err != nil {
			a.log.Debug().Err(err).Msg("pong send failed")
		}

	case ipc.Send, ipc.Notify:
		a.handleInboundSomeip(ctx, f, f.Payload)

	case ipc.NotifyOne:
		_, someipBytes, err := decodeNotifyOne(f.Payload)
		if err != nil {
			a.log.Warn().Err(err).Msg("malformed NOTIFY_ONE")
			return
		}
		a.handleInboundSomeip(ctx, f, someipBytes)

	case ipc.SubscribeAck, ipc.SubscribeNack:
		ack, err := ipc.DecodeSubscribeAck(f.Payload)
		if err != nil {
			a.log.Warn().Err(err).Msg("malformed SUBSCRIBE_ACK/NACK")
			return
		}
		instance := InstanceID{ServiceID: ack.ServiceID, InstanceID: ack.InstanceID}
		a.dispatch.tryEnqueue(dispatchItem{
			kind:      dispatchAvailability,
			available: availabilityChange{instance: instance, available: f.Command == ipc.SubscribeAck},
		})

	case ipc.RequestServiceAck:
		inst, err := ipc.DecodeInstance(f.Payload)
		if err != nil {
			a.log.Warn().Err(err).Msg("malformed REQUEST_SERVICE_ACK")
			return
		}
		instance := InstanceID{ServiceID: inst.ServiceID, InstanceID: inst.InstanceID}
		a.dispatch.tryEnqueue(dispatchItem{
			kind:      dispatchAvailability,
			available: availabilityChange{instance: instance, available: inst.TTL != 0},
		})

	case ipc.RoutingState:
		// Diagnostic only; applications don't currently act on routing state
		// transitions directly.

	default:
		a.log.Debug().Stringer("command", f.Command).Msg("unhandled IPC command")
	}
}

// handleInboundSomeip decodes f's payload as a SOME/IP wire message and
// applies spec §4.7's backpressure policy: a full dispatch queue rejects a
// request with a synthesized E_NOT_READY reply and silently drops a
// notification (logged, not surfaced to the caller).
func (a *Application) handleInboundSomeip(ctx context.Context, f ipc.Frame, someipBytes []byte) {
	msg, result, _, _, err := a.wireCodec.Decode(someipBytes)
	if result != wire.DecodeOK {
		a.log.Warn().Err(err).Msg("malformed inbound SOME/IP message")
		return
	}

	accepted := a.dispatch.tryEnqueue(dispatchItem{kind: dispatchMessage, msg: inboundMessage{msg: msg}})
	if accepted {
		return
	}

	expectsReply := f.Command == ipc.Send && msg.Header.MessageType.Base() == wire.MessageTypeRequest
	if !expectsReply {
		a.log.Warn().Uint16("service", msg.Header.ServiceID).Uint16("method", msg.Header.MethodID).Msg("dispatch queue full, dropping message")
		return
	}

	a.log.Warn().Uint16("service", msg.Header.ServiceID).Uint16("method", msg.Header.MethodID).Msg("dispatch queue full, rejecting request with E_NOT_READY")
	reply := wire.Message{Header: wire.Header{
		ServiceID:        msg.Header.ServiceID,
		MethodID:         msg.Header.MethodID,
		ClientID:         msg.Header.ClientID,
		SessionID:        msg.Header.SessionID,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: msg.Header.InterfaceVersion,
		MessageType:      wire.MessageTypeError,
		ReturnCode:       wire.ENotReady,
	}}
	frame, err := a.wireCodec.Encode(reply)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to encode E_NOT_READY reply")
		return
	}
	if err := a.send(ctx, ipc.Send, frame); err != nil {
		a.log.Warn().Err(err).Msg("failed to send E_NOT_READY reply")
	}
}
