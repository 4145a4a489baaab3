package routing

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/someipd/someipd/internal/discovery"
	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/policy"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/transport"
)

// Endpoints resolves the concrete transport.Endpoint carrying a service
// instance's reliable and unreliable traffic. Satisfied by whatever owns the
// C2 endpoint set; the manager arbitrates through this interface rather than
// dialing sockets itself.
type Endpoints interface {
	Reliable(key registry.InstanceKey) (transport.Endpoint, bool)
	Unreliable(key registry.InstanceKey) (transport.Endpoint, bool)
}

// RouteOrigin identifies who handed a message to the manager: a local
// application (by client_id) or a remote peer reached through an endpoint.
type RouteOrigin struct {
	Local    bool
	ClientID uint16
}

// Manager is the routing manager (spec §4.6): the central arbiter owning the
// registry, the SD engine, the policy gate, and every endpoint, exposing the
// send-arbitration and routing-state surface C3 command handlers and C2
// receive callbacks consume.
//
// Grounded on the teacher's responder.Responder: one struct owning every
// sub-component (registry, transport, discovery), constructed via functional
// options, with an explicit Close lifecycle. Generalized from mDNS's single
// always-RUNNING responder to SOME/IP's six routing states and five-step
// send arbitration.
type Manager struct {
	reg   *registry.Registry
	sd    *discovery.Engine
	gate  *policy.Gate
	apps  *ipc.Registrar
	eps   Endpoints
	codec codecLimits
	log   zerolog.Logger

	mu    sync.Mutex
	state State

	sessions *sessionCounters
	errs     *endpointErrorCounters
}

type codecLimits struct {
	MaxReliable   uint32
	MaxUnreliable uint32
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMessageSizeLimits sets the per-transport maximum message size used when
// encoding outbound frames (spec §6 max_message_size_{reliable,unreliable}).
func WithMessageSizeLimits(reliable, unreliable uint32) Option {
	return func(m *Manager) { m.codec = codecLimits{MaxReliable: reliable, MaxUnreliable: unreliable} }
}

// WithEndpointResetThreshold overrides the default number of consecutive
// codec errors on one endpoint before RecordCodecError requests a reset.
func WithEndpointResetThreshold(n int) Option {
	return func(m *Manager) { m.errs.threshold = n }
}

// NewManager constructs a routing manager in the RUNNING state, matching the
// teacher's responder.New(ctx, opts...) functional-options pattern.
func NewManager(reg *registry.Registry, sd *discovery.Engine, gate *policy.Gate, apps *ipc.Registrar, eps Endpoints, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		reg:      reg,
		sd:       sd,
		gate:     gate,
		apps:     apps,
		eps:      eps,
		codec:    codecLimits{MaxReliable: 4095 + 16, MaxUnreliable: 1400},
		log:      log.With().Str("component", "routing").Logger(),
		state:    StateRunning,
		sessions: newSessionCounters(),
		errs:     newEndpointErrorCounters(8),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the manager's current routing state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState transitions to s, applying the documented per-state side effects
// (spec §4.6). Setting the state to its current value is a no-op (spec §8's
// set_routing_state idempotence law); reports whether a transition actually
// happened.
func (m *Manager) SetState(ctx context.Context, s State) bool {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	m.state = s
	m.mu.Unlock()

	m.log.Info().Stringer("from", prev).Stringer("to", s).Msg("routing state transition")

	switch s {
	case StateSuspended:
		m.sd.Suspend()
	case StateResumed:
		m.sd.Resume(ctx)
	case StateShutdown:
		m.sd.Shutdown()
	case StateDiagnosis:
		m.sd.SetDiagnosis(true)
	case StateRunning:
		m.sd.SetDiagnosis(false)
	}

	if m.apps != nil {
		m.apps.Broadcast(ipc.RoutingState, ipc.EncodeRoutingState(ipc.RoutingStatePayload{State: uint8(s)}), 0)
	}
	return true
}

// acceptsSD reports whether inbound SD datagrams should currently be
// processed (spec §4.6 SUSPENDED: "drop incoming SD").
func (m *Manager) acceptsSD() bool {
	return m.State() != StateSuspended
}

// HandleSDDatagram forwards an inbound SD datagram to the discovery engine
// unless routing is SUSPENDED.
func (m *Manager) HandleSDDatagram(ctx context.Context, handler func()) {
	if !m.acceptsSD() {
		return
	}
	handler()
}

// CheckRequestPolicy consults the policy gate for an incoming request/message
// (spec §4.6: "every incoming command or SOME/IP message is consulted
// against the policy manager").
func (m *Manager) CheckRequestPolicy(cred policy.Credential, key registry.InstanceKey, method uint16) policy.Decision {
	return m.gate.CheckRequest(cred, key.ServiceID, key.InstanceID, method)
}

// CheckOfferPolicy consults the policy gate for an incoming PROVIDE_SERVICE/
// PROVIDE_EVENTGROUP command.
func (m *Manager) CheckOfferPolicy(cred policy.Credential, key registry.InstanceKey, method uint16) policy.Decision {
	return m.gate.CheckOffer(cred, key.ServiceID, key.InstanceID, method)
}

// UpdatePolicy installs or replaces a credential's policy, effective
// immediately for subsequent decisions (spec §4.6 hot-update via local IPC).
func (m *Manager) UpdatePolicy(p policy.Policy) {
	m.gate.Update(p)
}

// RemovePolicy drops cred's policy, if any.
func (m *Manager) RemovePolicy(cred policy.Credential) {
	m.gate.Remove(cred)
}
