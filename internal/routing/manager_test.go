package routing

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/someipd/someipd/internal/discovery"
	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/policy"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/transport"
	"github.com/someipd/someipd/internal/wire"
)

type discoverySenderStub struct{}

func (discoverySenderStub) SendMulticast(payload []byte) error                 { return nil }
func (discoverySenderStub) SendUnicast(dest *net.UDPAddr, payload []byte) error { return nil }

type fakeEndpoints struct{}

func (fakeEndpoints) Reliable(registry.InstanceKey) (transport.Endpoint, bool)   { return nil, false }
func (fakeEndpoints) Unreliable(registry.InstanceKey) (transport.Endpoint, bool) { return nil, false }

func newTestManager(t *testing.T) (*Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	log := zerolog.Nop()
	cfg := discovery.DefaultConfig()
	sd := discovery.NewEngine(cfg, reg, discoverySenderStub{}, nil, log)
	gate := policy.NewGate()
	apps := ipc.NewRegistrar()
	m := NewManager(reg, sd, gate, apps, fakeEndpoints{}, log)
	return m, reg
}

func testRequest(service, _ uint16) wire.Message {
	return wire.Message{Header: wire.Header{
		ServiceID:        service,
		MethodID:         0x0001,
		ClientID:         0,
		SessionID:        0,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: 1,
		MessageType:      wire.MessageTypeRequest,
	}}
}

func TestManager_SetState_IdempotentNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	if changed := m.SetState(context.Background(), StateRunning); changed {
		t.Fatal("setting the already-current state should be a no-op")
	}
	if changed := m.SetState(context.Background(), StateSuspended); !changed {
		t.Fatal("expected a real transition to SUSPENDED")
	}
	if changed := m.SetState(context.Background(), StateSuspended); changed {
		t.Fatal("repeating SUSPENDED should be a no-op")
	}
	if m.State() != StateSuspended {
		t.Fatalf("State() = %v, want SUSPENDED", m.State())
	}
}

func TestManager_SetState_DiagnosisTogglesSDFlag(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetState(context.Background(), StateDiagnosis)
	if !m.sd.DiagnosisMode() {
		t.Fatal("expected discovery engine diagnosis mode enabled")
	}
	m.SetState(context.Background(), StateRunning)
	if m.sd.DiagnosisMode() {
		t.Fatal("expected discovery engine diagnosis mode cleared on return to RUNNING")
	}
}

func TestManager_PolicyChecks_PermitAllByDefault(t *testing.T) {
	m, _ := newTestManager(t)
	d := m.CheckRequestPolicy(policy.Credential{UID: 1, GID: 1}, registry.InstanceKey{ServiceID: 0x1234, InstanceID: 1}, 0x01)
	if !d.Allowed {
		t.Fatal("expected permit-all with no policies installed")
	}
}

func TestManager_Route_UnknownInstanceIsProtocolError(t *testing.T) {
	m, _ := newTestManager(t)
	key := registry.InstanceKey{ServiceID: 0x1111, InstanceID: 1}
	err := m.Route(context.Background(), RouteOrigin{Local: true, ClientID: 7}, key, testRequest(key.ServiceID, key.InstanceID))
	if err == nil {
		t.Fatal("expected an error routing to an unoffered instance")
	}
}

func TestManager_Route_FillsClientIDAndSessionID(t *testing.T) {
	m, reg := newTestManager(t)
	key := registry.InstanceKey{ServiceID: 0x2222, InstanceID: 1}
	reg.Offer(key, 1, 0, 3000, false, registry.Handle(99)) // provider has no attached IPC session, so forwardLocal fails

	req := testRequest(key.ServiceID, key.InstanceID)
	req.Header.ClientID = 0
	req.Header.SessionID = 0

	// No endpoint is wired (fakeEndpoints always misses), so delivery fails,
	// but client_id/session_id fill-in happens before the send attempt.
	_ = m.Route(context.Background(), RouteOrigin{Local: true, ClientID: 42}, key, req)

	got := m.sessions.next(42, key.ServiceID, req.Header.MethodID)
	if got != 2 {
		t.Fatalf("expected the session counter for (42, service, method) to have advanced once already, next() = %d", got)
	}
}

func TestManager_RecordCodecError_TriggersResetAtThreshold(t *testing.T) {
	m, _ := newTestManager(t)
	key := registry.InstanceKey{ServiceID: 0x3333, InstanceID: 1}
	m.errs.threshold = 3

	if m.RecordCodecError(key) {
		t.Fatal("should not reset before threshold")
	}
	if m.RecordCodecError(key) {
		t.Fatal("should not reset before threshold")
	}
	if !m.RecordCodecError(key) {
		t.Fatal("expected reset once threshold reached")
	}
}

func TestSynthesizeNotReachable_PreservesCorrelationFields(t *testing.T) {
	req := testRequest(0x4444, 1)
	req.Header.ClientID = 0x10
	req.Header.SessionID = 0x20

	reply := SynthesizeNotReachable(req)
	if reply.Header.ReturnCode != wire.ENotReachable {
		t.Fatalf("ReturnCode = %v, want ENotReachable", reply.Header.ReturnCode)
	}
	if reply.Header.ClientID != req.Header.ClientID || reply.Header.SessionID != req.Header.SessionID {
		t.Fatal("expected client_id/session_id to be preserved in the synthesized reply")
	}
	if reply.Header.MessageType != wire.MessageTypeError {
		t.Fatalf("MessageType = %v, want MessageTypeError", reply.Header.MessageType)
	}
}
