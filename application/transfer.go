package application

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/wire"
)

// Send hands msg to the routing manager for arbitration and delivery,
// whether it is a request, a response, or an error. Translates to SEND
// (spec §4.3/§4.6); the routing manager fills client_id/session_id on a
// request left zero.
func (a *Application) Send(ctx context.Context, msg wire.Message) error {
	frame, err := a.wireCodec.Encode(msg)
	if err != nil {
		return err
	}
	return a.send(ctx, ipc.Send, frame)
}

// Notify multicasts msg (an event/notification) to every subscriber of its
// eventgroup. Translates to NOTIFY.
func (a *Application) Notify(ctx context.Context, msg wire.Message) error {
	frame, err := a.wireCodec.Encode(msg)
	if err != nil {
		return err
	}
	return a.send(ctx, ipc.Notify, frame)
}

// notifyOneOverhead is the fixed prefix NotifyOne adds ahead of the encoded
// SOME/IP message: the subscriber's client_id, since the local IPC frame's
// own client_id field always identifies the sending application rather
// than a delivery target.
const notifyOneOverhead = 2

// NotifyOne sends msg (an event/notification) to a single named subscriber
// rather than the whole eventgroup. Translates to NOTIFY_ONE.
func (a *Application) NotifyOne(ctx context.Context, target uint16, msg wire.Message) error {
	encoded, err := a.wireCodec.Encode(msg)
	if err != nil {
		return err
	}
	payload := make([]byte, notifyOneOverhead+len(encoded))
	binary.LittleEndian.PutUint16(payload[0:2], target)
	copy(payload[notifyOneOverhead:], encoded)
	return a.send(ctx, ipc.NotifyOne, payload)
}

// decodeNotifyOne splits a NOTIFY_ONE payload back into its target
// client_id and the SOME/IP message bytes.
func decodeNotifyOne(payload []byte) (target uint16, someipBytes []byte, err error) {
	if len(payload) < notifyOneOverhead {
		return 0, nil, fmt.Errorf("application: NOTIFY_ONE payload too short: %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint16(payload[0:2]), payload[notifyOneOverhead:], nil
}
