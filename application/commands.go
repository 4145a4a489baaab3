package application

import (
	"context"

	"github.com/someipd/someipd/internal/ipc"
)

// Offer advertises instance as locally provided, at interface version
// major.minor, reachable over the transport reliable selects, until ttl
// seconds elapse without a refresh (0xFFFFFF = until explicitly stopped).
// Translates to PROVIDE_SERVICE (spec §4.3/§4.4).
func (a *Application) Offer(ctx context.Context, instance InstanceID, major uint8, minor uint32, ttl uint32, reliable bool) error {
	return a.send(ctx, ipc.ProvideService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID:  instance.ServiceID,
		InstanceID: instance.InstanceID,
		Major:      major,
		Minor:      minor,
		TTL:        ttl,
		Reliable:   reliable,
	}))
}

// StopOffer withdraws a previously offered instance. Translates to
// WITHDRAW_SERVICE.
func (a *Application) StopOffer(ctx context.Context, instance InstanceID, major uint8, minor uint32) error {
	return a.send(ctx, ipc.WithdrawService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID:  instance.ServiceID,
		InstanceID: instance.InstanceID,
		Major:      major,
		Minor:      minor,
	}))
}

// Request registers this application as a consumer of instance, so the
// routing manager starts tracking its availability on this application's
// behalf (locally, or via Service Discovery for remote instances).
// Translates to REQUEST_SERVICE.
func (a *Application) Request(ctx context.Context, instance InstanceID, major uint8, minor uint32) error {
	return a.send(ctx, ipc.RequestService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID:  instance.ServiceID,
		InstanceID: instance.InstanceID,
		Major:      major,
		Minor:      minor,
	}))
}

// Release withdraws a previous Request. Translates to RELEASE_SERVICE.
func (a *Application) Release(ctx context.Context, instance InstanceID, major uint8, minor uint32) error {
	return a.send(ctx, ipc.ReleaseService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID:  instance.ServiceID,
		InstanceID: instance.InstanceID,
		Major:      major,
	}))
}

// Subscribe joins eventgroupID on instance, asking for ttl seconds of
// delivery over the transport reliable selects. Translates to SUBSCRIBE.
func (a *Application) Subscribe(ctx context.Context, instance InstanceID, eventgroupID uint16, major uint8, ttl uint32, reliable bool) error {
	return a.send(ctx, ipc.Subscribe, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID:    instance.ServiceID,
		InstanceID:   instance.InstanceID,
		EventgroupID: eventgroupID,
		Major:        major,
		TTL:          ttl,
		Reliable:     reliable,
	}))
}

// Unsubscribe leaves eventgroupID on instance. Translates to UNSUBSCRIBE.
func (a *Application) Unsubscribe(ctx context.Context, instance InstanceID, eventgroupID uint16) error {
	return a.send(ctx, ipc.Unsubscribe, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID:    instance.ServiceID,
		InstanceID:   instance.InstanceID,
		EventgroupID: eventgroupID,
	}))
}

// ProvideEventgroup declares eventgroupID on instance, with the given
// member event_ids, before the first Offer of that instance so a remote
// SUBSCRIBE entry can be validated against it. Translates to
// PROVIDE_EVENTGROUP.
func (a *Application) ProvideEventgroup(ctx context.Context, instance InstanceID, eventgroupID uint16, eventIDs []uint16, reliable bool) error {
	return a.send(ctx, ipc.ProvideEventgroup, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID:    instance.ServiceID,
		InstanceID:   instance.InstanceID,
		EventgroupID: eventgroupID,
		Reliable:     reliable,
		EventIDs:     eventIDs,
	}))
}

// WithdrawEventgroup removes a previously declared eventgroup. Translates
// to WITHDRAW_EVENTGROUP.
func (a *Application) WithdrawEventgroup(ctx context.Context, instance InstanceID, eventgroupID uint16) error {
	return a.send(ctx, ipc.WithdrawEventgroup, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID:    instance.ServiceID,
		InstanceID:   instance.InstanceID,
		EventgroupID: eventgroupID,
	}))
}

// RegisterMethod declares that this application implements methodID on
// instance, so the routing manager can route inbound requests for it here.
// Translates to REGISTER_METHOD.
func (a *Application) RegisterMethod(ctx context.Context, instance InstanceID, methodID uint16, reliable bool) error {
	return a.send(ctx, ipc.RegisterMethod, ipc.EncodeMethod(ipc.MethodPayload{
		ServiceID:  instance.ServiceID,
		InstanceID: instance.InstanceID,
		ID:         methodID,
		Reliable:   reliable,
	}))
}

// DeregisterMethod undoes a prior RegisterMethod.
func (a *Application) DeregisterMethod(ctx context.Context, instance InstanceID, methodID uint16) error {
	return a.send(ctx, ipc.DeregisterMethod, ipc.EncodeMethod(ipc.MethodPayload{
		ServiceID:  instance.ServiceID,
		InstanceID: instance.InstanceID,
		ID:         methodID,
	}))
}

// AddField declares a field-backed event_id on instance, so both get/set
// requests and its change notifications route here. Translates to
// ADD_FIELD.
func (a *Application) AddField(ctx context.Context, instance InstanceID, eventID uint16, reliable bool) error {
	return a.send(ctx, ipc.AddField, ipc.EncodeMethod(ipc.MethodPayload{
		ServiceID:  instance.ServiceID,
		InstanceID: instance.InstanceID,
		ID:         eventID,
		Reliable:   reliable,
	}))
}

// RemoveField undoes a prior AddField.
func (a *Application) RemoveField(ctx context.Context, instance InstanceID, eventID uint16) error {
	return a.send(ctx, ipc.RemoveField, ipc.EncodeMethod(ipc.MethodPayload{
		ServiceID:  instance.ServiceID,
		InstanceID: instance.InstanceID,
		ID:         eventID,
	}))
}
