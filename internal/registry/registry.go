// Package registry implements the Service/Event Registry (spec §4.4): the
// routing manager's single source of truth for which services are offered,
// requested, subscribed to, and by whom.
//
// Generalizes the teacher's internal/responder.Registry (a sync.RWMutex
// guarded map[string]*Service with Register/Get/Remove and
// duplicate-rejection) from one associative container keyed by instance
// name into the five containers spec §4.4 names, keyed by
// (service_id, instance_id) and, where relevant, by client_id or
// eventgroup_id. Arena-style uint32 handles identify providers and
// subscribers in place of the teacher's direct pointer references, per
// spec §9's "shared-with-weak back-references ⇒ arena indices" note.
package registry

import (
	"fmt"
	"sync"

	someiperrors "github.com/someipd/someipd/internal/errors"
)

// Handle is an arena-style identifier for a registry entity (a connected
// endpoint or local application acting as a provider, requester, or
// subscriber). Handle(0) is reserved and never assigned.
type Handle uint32

// InstanceKey identifies one service instance.
type InstanceKey struct {
	ServiceID  uint16
	InstanceID uint16
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("0x%04x:0x%04x", k.ServiceID, k.InstanceID)
}

// ServiceInstance is one entry of offered_services.
type ServiceInstance struct {
	Major    uint8
	Minor    uint32
	Provider Handle
	TTL      TTLBookkeeping

	HasReliable   bool
	HasUnreliable bool
	// MandatoryReliable marks that this instance only counts as Available
	// once its reliable endpoint has arrived, even if the unreliable one
	// arrived first (spec §4.4 "partially-available state").
	MandatoryReliable bool
}

// RequestState is one entry of requested_services' per-client_id map.
type RequestState struct {
	ClientID Handle
	Major    uint8
	Minor    uint32
}

// Eventgroup is one entry of eventgroups' per-eventgroup_id map.
type Eventgroup struct {
	EventgroupID uint16
	EventIDs     []uint16
}

// Event is one entry of events' per-event_id map.
type Event struct {
	EventID  uint16
	Reliable bool
}

// Subscription is one entry of subscriptions' per-client_id map.
type Subscription struct {
	ClientID    Handle
	Reliability bool // true = reliable (TCP) delivery requested
	TTL         TTLBookkeeping
}

// Availability classifies the result of availability_of.
type Availability int

const (
	Unavailable Availability = iota
	Available
	PartiallyAvailable
)

// AvailabilityEvent is delivered to a registered availability handler at the
// edges spec §4.4 defines: first provider appears, last provider
// disappears, or the mandatory-reliability set becomes satisfied/broken.
type AvailabilityEvent struct {
	Key          InstanceKey
	Availability Availability
	Provider     Handle
}

// OfferResult is the outcome of Offer.
type OfferResult int

const (
	Offered OfferResult = iota
	Conflict
)

// Registry holds the five associative containers of spec §4.4 under a
// single RWMutex, matching the teacher's single-lock-guarded-map discipline
// generalized to five maps instead of one.
type Registry struct {
	mu sync.RWMutex

	offeredServices   map[InstanceKey]*ServiceInstance
	requestedServices map[InstanceKey]map[Handle]RequestState
	eventgroups       map[InstanceKey]map[uint16]Eventgroup
	events            map[InstanceKey]map[uint16]Event
	subscriptions     map[subscriptionKey]map[Handle]Subscription

	onAvailability []func(AvailabilityEvent)
}

type subscriptionKey struct {
	InstanceKey
	EventgroupID uint16
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		offeredServices:   make(map[InstanceKey]*ServiceInstance),
		requestedServices: make(map[InstanceKey]map[Handle]RequestState),
		eventgroups:       make(map[InstanceKey]map[uint16]Eventgroup),
		events:            make(map[InstanceKey]map[uint16]Event),
		subscriptions:     make(map[subscriptionKey]map[Handle]Subscription),
	}
}

// OnAvailability registers a callback invoked on every availability-upcall
// edge (spec §4.4). Must be called before the registry starts receiving
// offers, since delivery happens synchronously under the registry lock.
func (r *Registry) OnAvailability(fn func(AvailabilityEvent)) {
	r.mu.Lock()
	r.onAvailability = append(r.onAvailability, fn)
	r.mu.Unlock()
}

func (r *Registry) emit(ev AvailabilityEvent) {
	for _, fn := range r.onAvailability {
		fn(ev)
	}
}

// Offer records provider as offering (serviceID, instanceID). Returns
// Conflict if a different provider already offers this instance (spec §4.4:
// offer → Offered | Conflict(existing_provider)).
func (r *Registry) Offer(key InstanceKey, major uint8, minor uint32, ttl uint32, reliable bool, provider Handle) (OfferResult, Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.offeredServices[key]
	if ok && existing.Provider != provider {
		return Conflict, existing.Provider
	}

	wasUnavailable := !ok
	if !ok {
		existing = &ServiceInstance{Provider: provider, Major: major, Minor: minor}
		r.offeredServices[key] = existing
	}
	existing.TTL = NewTTLBookkeeping(ttl)
	if reliable {
		existing.HasReliable = true
	} else {
		existing.HasUnreliable = true
	}

	if wasUnavailable {
		r.emit(AvailabilityEvent{Key: key, Availability: r.availabilityLocked(existing), Provider: provider})
	} else if existing.MandatoryReliable && existing.HasReliable {
		r.emit(AvailabilityEvent{Key: key, Availability: Available, Provider: provider})
	}

	return Offered, 0
}

// StopOffer removes an offered instance. Only the original provider may
// remove its own entry (spec §4.4).
func (r *Registry) StopOffer(key InstanceKey, provider Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.offeredServices[key]
	if !ok {
		return &someiperrors.StateError{Kind: someiperrors.StateNotOffered, Operation: "stop_offer", Details: "instance not offered"}
	}
	if existing.Provider != provider {
		return &someiperrors.StateError{Kind: someiperrors.StateNotOffered, Operation: "stop_offer", Details: "only the original provider may withdraw an offer"}
	}

	delete(r.offeredServices, key)
	r.emit(AvailabilityEvent{Key: key, Availability: Unavailable, Provider: provider})
	return nil
}

// Request records client as requesting (serviceID, instanceID). Idempotent:
// re-requesting the same (key, client) is a no-op (spec §4.4).
func (r *Registry) Request(key InstanceKey, major uint8, minor uint32, client Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients, ok := r.requestedServices[key]
	if !ok {
		clients = make(map[Handle]RequestState)
		r.requestedServices[key] = clients
	}
	clients[client] = RequestState{ClientID: client, Major: major, Minor: minor}
}

// Release removes client's request for (serviceID, instanceID).
func (r *Registry) Release(key InstanceKey, client Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients, ok := r.requestedServices[key]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(r.requestedServices, key)
	}
}

// PendingHandle identifies an in-flight subscription awaiting an
// asynchronous subscription handler's decision (spec §4.5).
type PendingHandle struct {
	Key          InstanceKey
	EventgroupID uint16
	Client       Handle
}

// Subscribe records a subscription request and returns a PendingHandle the
// discovery engine resolves once any asynchronous subscription handler has
// decided Ack or Nack.
func (r *Registry) Subscribe(key InstanceKey, eventgroupID uint16, client Handle, reliable bool, ttl uint32) PendingHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	sk := subscriptionKey{InstanceKey: key, EventgroupID: eventgroupID}
	subs, ok := r.subscriptions[sk]
	if !ok {
		subs = make(map[Handle]Subscription)
		r.subscriptions[sk] = subs
	}
	subs[client] = Subscription{ClientID: client, Reliability: reliable, TTL: NewTTLBookkeeping(ttl)}

	return PendingHandle{Key: key, EventgroupID: eventgroupID, Client: client}
}

// Unsubscribe removes client's subscription to (key, eventgroupID).
func (r *Registry) Unsubscribe(key InstanceKey, eventgroupID uint16, client Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sk := subscriptionKey{InstanceKey: key, EventgroupID: eventgroupID}
	subs, ok := r.subscriptions[sk]
	if !ok {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(r.subscriptions, sk)
	}
}

// Subscribers returns a snapshot of the clients currently subscribed to
// (key, eventgroupID).
func (r *Registry) Subscribers(key InstanceKey, eventgroupID uint16) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sk := subscriptionKey{InstanceKey: key, EventgroupID: eventgroupID}
	subs := r.subscriptions[sk]
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// AvailabilityOf reports whether (serviceID, instanceID) is currently
// available, matching majorVersion exactly and minorVersion if it is not
// AnyMinor (spec §4.4).
func (r *Registry) AvailabilityOf(key InstanceKey, major uint8, minor uint32) Availability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	existing, ok := r.offeredServices[key]
	if !ok || existing.Major != major {
		return Unavailable
	}
	return r.availabilityLocked(existing)
}

func (r *Registry) availabilityLocked(s *ServiceInstance) Availability {
	if s.MandatoryReliable {
		if s.HasReliable {
			return Available
		}
		if s.HasUnreliable {
			return PartiallyAvailable
		}
		return Unavailable
	}
	if s.HasReliable || s.HasUnreliable {
		return Available
	}
	return Unavailable
}

// Instance returns a snapshot of (serviceID, instanceID)'s current offer
// state, for callers that need the provider handle and reliability matrix
// directly rather than just an Availability verdict (spec §4.6 send
// arbitration step 1: "resolve (service,instance) in the registry").
func (r *Registry) Instance(key InstanceKey) (ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.offeredServices[key]
	if !ok {
		return ServiceInstance{}, false
	}
	return *inst, true
}

// OfferedInstancesByProvider returns every instance of serviceID currently
// offered by provider, for callers that only know a (client_id, service_id)
// pair and must resolve the instance_id a raw SOME/IP wire message doesn't
// carry (spec §4.6 send arbitration operates on InstanceKey, but SEND/NOTIFY
// IPC payloads are bare wire bytes).
func (r *Registry) OfferedInstancesByProvider(provider Handle, serviceID uint16) []InstanceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []InstanceKey
	for key, inst := range r.offeredServices {
		if key.ServiceID == serviceID && inst.Provider == provider {
			out = append(out, key)
		}
	}
	return out
}

// RequestedInstancesByClient returns every instance of serviceID client
// currently requests, the client-side counterpart of
// OfferedInstancesByProvider used to resolve an outbound SEND's target
// instance when the sender is a consumer rather than a provider.
func (r *Registry) RequestedInstancesByClient(client Handle, serviceID uint16) []InstanceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []InstanceKey
	for key, clients := range r.requestedServices {
		if key.ServiceID != serviceID {
			continue
		}
		if _, ok := clients[client]; ok {
			out = append(out, key)
		}
	}
	return out
}

// InstancesByService returns every instance currently offered for serviceID,
// regardless of provider, for resolving inbound traffic that arrives over a
// shared network endpoint with no local application identity attached.
func (r *Registry) InstancesByService(serviceID uint16) []InstanceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []InstanceKey
	for key := range r.offeredServices {
		if key.ServiceID == serviceID {
			out = append(out, key)
		}
	}
	return out
}

// ProvideEventgroup registers an eventgroup and its member events for
// (serviceID, instanceID), used by application offers (spec §4.3
// PROVIDE_EVENTGROUP / REGISTER_METHOD / ADD_FIELD).
func (r *Registry) ProvideEventgroup(key InstanceKey, eg Eventgroup) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups, ok := r.eventgroups[key]
	if !ok {
		groups = make(map[uint16]Eventgroup)
		r.eventgroups[key] = groups
	}
	groups[eg.EventgroupID] = eg
}

// WithdrawEventgroup removes an eventgroup previously registered with
// ProvideEventgroup.
func (r *Registry) WithdrawEventgroup(key InstanceKey, eventgroupID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups, ok := r.eventgroups[key]
	if !ok {
		return
	}
	delete(groups, eventgroupID)
	if len(groups) == 0 {
		delete(r.eventgroups, key)
	}
}

// Eventgroup returns the eventgroup registered for (key, eventgroupID), if
// any.
func (r *Registry) Eventgroup(key InstanceKey, eventgroupID uint16) (Eventgroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups, ok := r.eventgroups[key]
	if !ok {
		return Eventgroup{}, false
	}
	eg, ok := groups[eventgroupID]
	return eg, ok
}

// EventgroupsForEvent returns every eventgroup_id of (key) that lists
// eventID among its member events, since an event may belong to more than
// one eventgroup and NOTIFICATION fan-out must reach every subscriber of
// all of them (spec §4.4/§4.5).
func (r *Registry) EventgroupsForEvent(key InstanceKey, eventID uint16) []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups, ok := r.eventgroups[key]
	if !ok {
		return nil
	}
	var out []uint16
	for id, eg := range groups {
		for _, e := range eg.EventIDs {
			if e == eventID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// RegisterEvent records an event (a method-style notification or a field's
// backing event) for (serviceID, instanceID), spec §4.3 REGISTER_METHOD /
// ADD_FIELD.
func (r *Registry) RegisterEvent(key InstanceKey, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evs, ok := r.events[key]
	if !ok {
		evs = make(map[uint16]Event)
		r.events[key] = evs
	}
	evs[ev.EventID] = ev
}

// DeregisterEvent removes an event previously registered with RegisterEvent,
// spec §4.3 DEREGISTER_METHOD / REMOVE_FIELD.
func (r *Registry) DeregisterEvent(key InstanceKey, eventID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evs, ok := r.events[key]
	if !ok {
		return
	}
	delete(evs, eventID)
	if len(evs) == 0 {
		delete(r.events, key)
	}
}

// Event returns the event registered for (key, eventID), if any.
func (r *Registry) Event(key InstanceKey, eventID uint16) (Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	evs, ok := r.events[key]
	if !ok {
		return Event{}, false
	}
	ev, ok := evs[eventID]
	return ev, ok
}

// PurgeProvider drops every offered instance, eventgroup, and subscription
// associated with provider, and every subscription held by provider as a
// client. Used by reboot detection (spec §4.5 "Reboot handling") and by the
// IPC layer's APPLICATION_LOST handling (spec §4.3).
func (r *Registry) PurgeProvider(provider Handle) {
	r.mu.Lock()
	var events []AvailabilityEvent
	purged := make(map[InstanceKey]bool)
	for key, inst := range r.offeredServices {
		if inst.Provider == provider {
			delete(r.offeredServices, key)
			delete(r.eventgroups, key)
			purged[key] = true
			events = append(events, AvailabilityEvent{Key: key, Availability: Unavailable, Provider: provider})
		}
	}
	for sk, subs := range r.subscriptions {
		if purged[sk.InstanceKey] {
			delete(r.subscriptions, sk)
			continue
		}
		delete(subs, provider)
		if len(subs) == 0 {
			delete(r.subscriptions, sk)
		}
	}
	for key, clients := range r.requestedServices {
		delete(clients, provider)
		if len(clients) == 0 {
			delete(r.requestedServices, key)
		}
	}
	r.mu.Unlock()

	for _, ev := range events {
		r.mu.RLock()
		r.emit(ev)
		r.mu.RUnlock()
	}
}
