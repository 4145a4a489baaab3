package appserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/someipd/someipd/internal/discovery"
	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/policy"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/routing"
	"github.com/someipd/someipd/internal/transport"
	"github.com/someipd/someipd/internal/wire"
)

// discoverySenderStub discards every SD datagram a test's engine tries to
// emit; these tests never exercise the network side of discovery.
type discoverySenderStub struct{}

func (discoverySenderStub) SendMulticast(payload []byte) error                 { return nil }
func (discoverySenderStub) SendUnicast(dest *net.UDPAddr, payload []byte) error { return nil }

// noEndpoints is a routing.Endpoints that never has a remote transport to
// hand back; these tests only exercise local-IPC-to-local-IPC routing.
type noEndpoints struct{}

func (noEndpoints) Reliable(registry.InstanceKey) (transport.Endpoint, bool)   { return nil, false }
func (noEndpoints) Unreliable(registry.InstanceKey) (transport.Endpoint, bool) { return nil, false }

// testServer wires a real Server over a real loopback listener, mirroring
// application_test.go's fakeRoutingManager but on the opposite side of the
// protocol: production registry, discovery engine, policy gate, and routing
// manager behind a Server an ordinary application would attach to.
type testServer struct {
	t    *testing.T
	reg  *registry.Registry
	mgr  *routing.Manager
	ln   *transport.LocalServerEndpoint
	addr string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()
	reg := registry.New()
	sd := discovery.NewEngine(discovery.DefaultConfig(), reg, discoverySenderStub{}, nil, log)
	gate := policy.NewGate()
	apps := ipc.NewRegistrar()
	mgr := routing.NewManager(reg, sd, gate, apps, noEndpoints{}, log)
	codec := ipc.NewFrameCodec(1 << 20)
	srv := New(reg, sd, mgr, apps, codec, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := srv.Listen(ctx, "tcp", "127.0.0.1:0", transport.NewQueueLimits(1<<20))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	return &testServer{t: t, reg: reg, mgr: mgr, ln: ln, addr: ln.Addr().String()}
}

// testApp is a minimal stand-in for application.Application, driving the
// local IPC protocol from the attaching side by hand so these tests stay
// inside the appserver package rather than importing its sibling.
type testApp struct {
	t     *testing.T
	conn  net.Conn
	codec *ipc.FrameCodec
	buf   []byte
}

func newTestApp(t *testing.T, addr string) *testApp {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return &testApp{t: t, conn: conn, codec: ipc.NewFrameCodec(1 << 20)}
}

func (a *testApp) close() { _ = a.conn.Close() }

func (a *testApp) write(clientID uint16, cmd ipc.Command, payload []byte) {
	a.t.Helper()
	encoded, err := a.codec.Encode(ipc.Frame{ClientID: clientID, Command: cmd, Payload: payload})
	require.NoError(a.t, err)
	_, err = a.conn.Write(encoded)
	require.NoError(a.t, err)
}

func (a *testApp) read() ipc.Frame {
	a.t.Helper()
	_ = a.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		frm, result, consumed, needed, err := a.codec.Decode(a.buf)
		switch result {
		case ipc.DecodeOK:
			a.buf = a.buf[consumed:]
			return frm
		case ipc.DecodeCorrupt:
			a.t.Fatalf("corrupt frame from server: %v", err)
		case ipc.DecodePartial:
			chunk := make([]byte, needed)
			n, err := a.conn.Read(chunk)
			require.NoError(a.t, err)
			a.buf = append(a.buf, chunk[:n]...)
		}
	}
}

// register performs REGISTER_APPLICATION and returns the assigned client_id
// from the server's APPLICATION_INFO reply.
func (a *testApp) register(name string) uint16 {
	a.t.Helper()
	a.write(0, ipc.RegisterApplication, ipc.EncodeRegisterApplication(ipc.RegisterApplicationPayload{EndpointName: name}))
	info := a.read()
	require.Equal(a.t, ipc.ApplicationInfo, info.Command)
	payload, err := ipc.DecodeApplicationInfo(info.Payload)
	require.NoError(a.t, err)
	return payload.AssignedClientID
}

func TestServer_Register_AssignsClientIDAndListsPeers(t *testing.T) {
	srv := newTestServer(t)

	first := newTestApp(t, srv.addr)
	defer first.close()
	firstID := first.register("provider")
	require.NotZero(t, firstID)

	second := newTestApp(t, srv.addr)
	defer second.close()
	second.write(0, ipc.RegisterApplication, ipc.EncodeRegisterApplication(ipc.RegisterApplicationPayload{EndpointName: "consumer"}))
	info := second.read()
	payload, err := ipc.DecodeApplicationInfo(info.Payload)
	require.NoError(t, err)
	require.Len(t, payload.Peers, 1)
	require.Equal(t, "provider", payload.Peers[0].Name)
}

func TestServer_ProvideService_UpdatesRegistry(t *testing.T) {
	srv := newTestServer(t)

	app := newTestApp(t, srv.addr)
	defer app.close()
	app.register("provider")

	instance := registry.InstanceKey{ServiceID: 0x1234, InstanceID: 0x5678}
	app.write(0, ipc.ProvideService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1, TTL: 3000, Reliable: true,
	}))

	require.Eventually(t, func() bool {
		_, ok := srv.reg.Instance(instance)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RequestService_AcksImmediatelyWhenAlreadyOffered(t *testing.T) {
	srv := newTestServer(t)

	provider := newTestApp(t, srv.addr)
	defer provider.close()
	provider.register("provider")

	instance := registry.InstanceKey{ServiceID: 0x2222, InstanceID: 0x1}
	provider.write(0, ipc.ProvideService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1, TTL: 3000, Reliable: false,
	}))
	require.Eventually(t, func() bool {
		_, ok := srv.reg.Instance(instance)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	consumer := newTestApp(t, srv.addr)
	defer consumer.close()
	consumerID := consumer.register("consumer")

	consumer.write(consumerID, ipc.RequestService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1,
	}))

	ack := consumer.read()
	require.Equal(t, ipc.RequestServiceAck, ack.Command)
	decoded, err := ipc.DecodeInstance(ack.Payload)
	require.NoError(t, err)
	require.Equal(t, instance.ServiceID, decoded.ServiceID)
	require.NotZero(t, decoded.TTL)
}

func TestServer_Send_RoutesRequestToProvider(t *testing.T) {
	srv := newTestServer(t)

	provider := newTestApp(t, srv.addr)
	defer provider.close()
	providerID := provider.register("provider")

	instance := registry.InstanceKey{ServiceID: 0x3333, InstanceID: 0x1}
	provider.write(providerID, ipc.ProvideService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1, TTL: 3000, Reliable: false,
	}))
	require.Eventually(t, func() bool {
		_, ok := srv.reg.Instance(instance)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	consumer := newTestApp(t, srv.addr)
	defer consumer.close()
	consumerID := consumer.register("consumer")
	consumer.write(consumerID, ipc.RequestService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1,
	}))
	consumer.read() // REQUEST_SERVICE_ACK

	wireCodec := wire.NewCodec(1 << 20)
	req := wire.Message{Header: wire.Header{
		ServiceID:        instance.ServiceID,
		MethodID:         0x0421,
		ClientID:         consumerID,
		SessionID:        1,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: 1,
		MessageType:      wire.MessageTypeRequest,
	}}
	reqBytes, err := wireCodec.Encode(req)
	require.NoError(t, err)
	consumer.write(consumerID, ipc.Send, reqBytes)

	forwarded := provider.read()
	require.Equal(t, ipc.Send, forwarded.Command)
	msg, result, _, _, err := wireCodec.Decode(forwarded.Payload)
	require.Equal(t, wire.DecodeOK, result)
	require.NoError(t, err)
	require.Equal(t, instance.ServiceID, msg.Header.ServiceID)
	require.Equal(t, wire.MessageTypeRequest, msg.Header.MessageType)
}

func TestServer_Send_RoutesResponseToOriginalRequester(t *testing.T) {
	srv := newTestServer(t)

	provider := newTestApp(t, srv.addr)
	defer provider.close()
	providerID := provider.register("provider")

	instance := registry.InstanceKey{ServiceID: 0x3334, InstanceID: 0x1}
	provider.write(providerID, ipc.ProvideService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1, TTL: 3000, Reliable: false,
	}))
	require.Eventually(t, func() bool {
		_, ok := srv.reg.Instance(instance)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	consumer := newTestApp(t, srv.addr)
	defer consumer.close()
	consumerID := consumer.register("consumer")
	consumer.write(consumerID, ipc.RequestService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1,
	}))
	consumer.read() // REQUEST_SERVICE_ACK

	wireCodec := wire.NewCodec(1 << 20)
	req := wire.Message{Header: wire.Header{
		ServiceID:        instance.ServiceID,
		MethodID:         0x0421,
		ClientID:         consumerID,
		SessionID:        1,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: 1,
		MessageType:      wire.MessageTypeRequest,
	}}
	reqBytes, err := wireCodec.Encode(req)
	require.NoError(t, err)
	consumer.write(consumerID, ipc.Send, reqBytes)
	provider.read() // forwarded REQUEST

	resp := wire.Message{Header: wire.Header{
		ServiceID:        instance.ServiceID,
		MethodID:         0x0421,
		ClientID:         consumerID,
		SessionID:        1,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: 1,
		MessageType:      wire.MessageTypeResponse,
	}}
	respBytes, err := wireCodec.Encode(resp)
	require.NoError(t, err)
	provider.write(providerID, ipc.Send, respBytes)

	forwarded := consumer.read()
	require.Equal(t, ipc.Send, forwarded.Command)
	msg, result, _, _, err := wireCodec.Decode(forwarded.Payload)
	require.Equal(t, wire.DecodeOK, result)
	require.NoError(t, err)
	require.Equal(t, wire.MessageTypeResponse, msg.Header.MessageType)
	require.Equal(t, consumerID, msg.Header.ClientID)
}

func TestServer_Notify_FansOutToEverySubscriber(t *testing.T) {
	srv := newTestServer(t)

	provider := newTestApp(t, srv.addr)
	defer provider.close()
	providerID := provider.register("provider")

	instance := registry.InstanceKey{ServiceID: 0x3335, InstanceID: 0x1}
	provider.write(providerID, ipc.ProvideService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1, TTL: 3000,
	}))
	provider.write(providerID, ipc.ProvideEventgroup, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, EventgroupID: 0x01, EventIDs: []uint16{0x8001},
	}))
	require.Eventually(t, func() bool {
		_, ok := srv.reg.Instance(instance)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	subA := newTestApp(t, srv.addr)
	defer subA.close()
	subAID := subA.register("sub-a")
	subA.write(subAID, ipc.Subscribe, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, EventgroupID: 0x01, Major: 1, TTL: 3000,
	}))
	subA.read() // SUBSCRIBE_ACK

	subB := newTestApp(t, srv.addr)
	defer subB.close()
	subBID := subB.register("sub-b")
	subB.write(subBID, ipc.Subscribe, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, EventgroupID: 0x01, Major: 1, TTL: 3000,
	}))
	subB.read() // SUBSCRIBE_ACK

	wireCodec := wire.NewCodec(1 << 20)
	event := wire.Message{Header: wire.Header{
		ServiceID:        instance.ServiceID,
		MethodID:         0x8001,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: 1,
		MessageType:      wire.MessageTypeNotification,
	}}
	eventBytes, err := wireCodec.Encode(event)
	require.NoError(t, err)
	provider.write(providerID, ipc.Notify, eventBytes)

	for _, sub := range []*testApp{subA, subB} {
		forwarded := sub.read()
		require.Equal(t, ipc.Send, forwarded.Command)
		msg, result, _, _, err := wireCodec.Decode(forwarded.Payload)
		require.Equal(t, wire.DecodeOK, result)
		require.NoError(t, err)
		require.Equal(t, wire.MessageTypeNotification, msg.Header.MessageType)
		require.Equal(t, uint16(0x8001), msg.Header.MethodID)
	}
}

func TestServer_NotifyOne_DeliversOnlyToNamedSubscriber(t *testing.T) {
	srv := newTestServer(t)

	provider := newTestApp(t, srv.addr)
	defer provider.close()
	providerID := provider.register("provider")

	instance := registry.InstanceKey{ServiceID: 0x3336, InstanceID: 0x1}
	provider.write(providerID, ipc.ProvideService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1, TTL: 3000,
	}))
	provider.write(providerID, ipc.ProvideEventgroup, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, EventgroupID: 0x01, EventIDs: []uint16{0x8001},
	}))
	require.Eventually(t, func() bool {
		_, ok := srv.reg.Instance(instance)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	subA := newTestApp(t, srv.addr)
	defer subA.close()
	subAID := subA.register("sub-a")
	subA.write(subAID, ipc.Subscribe, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, EventgroupID: 0x01, Major: 1, TTL: 3000,
	}))
	subA.read() // SUBSCRIBE_ACK

	subB := newTestApp(t, srv.addr)
	defer subB.close()
	subBID := subB.register("sub-b")
	subB.write(subBID, ipc.Subscribe, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, EventgroupID: 0x01, Major: 1, TTL: 3000,
	}))
	subB.read() // SUBSCRIBE_ACK

	wireCodec := wire.NewCodec(1 << 20)
	event := wire.Message{Header: wire.Header{
		ServiceID:        instance.ServiceID,
		MethodID:         0x8001,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: 1,
		MessageType:      wire.MessageTypeNotification,
	}}
	eventBytes, err := wireCodec.Encode(event)
	require.NoError(t, err)

	payload := make([]byte, 2+len(eventBytes))
	payload[0] = byte(subBID)
	payload[1] = byte(subBID >> 8)
	copy(payload[2:], eventBytes)
	provider.write(providerID, ipc.NotifyOne, payload)

	forwarded := subB.read()
	require.Equal(t, ipc.Send, forwarded.Command)

	_ = subA.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err := subA.conn.Read(make([]byte, 64))
	require.Zero(t, n)
	require.Error(t, err)
}

func TestServer_Subscribe_LocalInstanceAcksImmediately(t *testing.T) {
	srv := newTestServer(t)

	provider := newTestApp(t, srv.addr)
	defer provider.close()
	provider.register("provider")

	instance := registry.InstanceKey{ServiceID: 0x4444, InstanceID: 0x1}
	provider.write(0, ipc.ProvideService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1, TTL: 3000,
	}))
	provider.write(0, ipc.ProvideEventgroup, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, EventgroupID: 0x4465, EventIDs: []uint16{0x8778},
	}))
	require.Eventually(t, func() bool {
		_, ok := srv.reg.Instance(instance)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	subscriber := newTestApp(t, srv.addr)
	defer subscriber.close()
	subscriberID := subscriber.register("subscriber")

	subscriber.write(subscriberID, ipc.Subscribe, ipc.EncodeEventgroup(ipc.EventgroupPayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, EventgroupID: 0x4465, Major: 1, TTL: 3000,
	}))

	ack := subscriber.read()
	require.Equal(t, ipc.SubscribeAck, ack.Command)
}

func TestServer_Deregister_PurgesOfferedInstance(t *testing.T) {
	srv := newTestServer(t)

	provider := newTestApp(t, srv.addr)
	defer provider.close()
	providerID := provider.register("provider")

	instance := registry.InstanceKey{ServiceID: 0x5555, InstanceID: 0x1}
	provider.write(providerID, ipc.ProvideService, ipc.EncodeInstance(ipc.InstancePayload{
		ServiceID: instance.ServiceID, InstanceID: instance.InstanceID, Major: 1, TTL: 3000,
	}))
	require.Eventually(t, func() bool {
		_, ok := srv.reg.Instance(instance)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	provider.write(providerID, ipc.DeregisterApplication, nil)

	require.Eventually(t, func() bool {
		_, ok := srv.reg.Instance(instance)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
