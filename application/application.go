// Package application implements the application-session side of the local
// IPC protocol (spec §4.7): a thin proxy whose public surface translates
// directly to internal/ipc commands exchanged with the routing manager over
// one framed byte stream, mirroring the teacher's public responder/querier
// packages.
package application

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	someiperrors "github.com/someipd/someipd/internal/errors"
	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/transport"
	"github.com/someipd/someipd/internal/wire"
)

// defaultRoutingEndpoint is the well-known local IPC endpoint name spec §6
// names as the default attachment point for applications.
const defaultRoutingEndpoint = "/run/someipd/routing"

// registerTimeout bounds how long New waits for APPLICATION_INFO after
// sending REGISTER_APPLICATION before giving up.
const registerTimeout = 5 * time.Second

// InstanceID identifies one (service_id, instance_id) pair, the unit Offer,
// Request, and Subscribe all operate on.
type InstanceID struct {
	ServiceID  uint16
	InstanceID uint16
}

func (id InstanceID) String() string {
	return fmt.Sprintf("0x%04x:0x%04x", id.ServiceID, id.InstanceID)
}

// Peer describes another application currently attached to the same routing
// manager (spec §4.3 APPLICATION_INFO catch-up flow).
type Peer struct {
	ClientID uint16
	Name     string
}

// Application is one local application's session with the routing manager.
// Network I/O (framing, keepalive replies) runs on the session's own
// goroutines; every registered callback is instead invoked from this
// Application's dispatch worker so that user code can never stall the IPC
// read loop (spec §4.7, spec §5 "user callbacks execute off the I/O
// thread").
type Application struct {
	name              string
	network, addr     string
	requestedClientID uint16
	maxPayloadSize    uint32
	queueBytes        int
	log               zerolog.Logger

	conn     net.Conn
	endpoint *transport.LocalClientEndpoint
	session  *ipc.Session
	wireCodec *wire.Codec

	clientID uint16
	infoCh   chan ipc.ApplicationInfoPayload
	infoOnce sync.Once

	mu    sync.RWMutex
	peers map[uint16]string

	dispatch *dispatchQueue

	messageHandler      MessageHandler
	availabilityHandler AvailabilityHandler

	closeOnce sync.Once
}

// Option configures an Application before it connects.
type Option func(*Application)

// WithEndpoint overrides the local IPC endpoint the application dials.
// network/addr are passed straight to net.Dial ("unix", "/run/someipd/routing").
func WithEndpoint(network, addr string) Option {
	return func(a *Application) { a.network, a.addr = network, addr }
}

// WithName sets the application's registration name, reported to peers via
// APPLICATION_INFO. Defaults to "<hostname>-<pid>", or "someipd-app" when
// the hostname cannot be read.
func WithName(name string) Option {
	return func(a *Application) { a.name = name }
}

// WithRequestedClientID asks the routing manager to assign a specific
// client_id (e.g. to keep the same id across a reconnect). 0 (the default)
// means "assign me one."
func WithRequestedClientID(id uint16) Option {
	return func(a *Application) { a.requestedClientID = id }
}

// WithMaxPayloadSize bounds the largest IPC frame payload this application
// will encode or accept.
func WithMaxPayloadSize(n uint32) Option {
	return func(a *Application) { a.maxPayloadSize = n }
}

// WithDispatchWatermark sets the high-watermark depth of the dispatch queue
// at which inbound frames start being dropped (spec §4.7 backpressure).
func WithDispatchWatermark(n int) Option {
	return func(a *Application) { a.dispatch = newDispatchQueue(n, a.log) }
}

// WithLogger attaches a structured logger. Defaults to a disabled logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Application) { a.log = log }
}

// New dials the routing manager's local IPC endpoint, registers this
// application, and waits for APPLICATION_INFO before returning (spec §4.3
// REGISTER_APPLICATION / APPLICATION_INFO catch-up flow).
func New(ctx context.Context, opts ...Option) (*Application, error) {
	name := "someipd-app"
	if hn, err := os.Hostname(); err == nil {
		name = fmt.Sprintf("%s-%d", hn, os.Getpid())
	}

	a := &Application{
		name:           name,
		network:        "unix",
		addr:           defaultRoutingEndpoint,
		maxPayloadSize: 1 << 20,
		queueBytes:     1 << 20,
		log:            zerolog.Nop(),
		peers:          make(map[uint16]string),
		infoCh:         make(chan ipc.ApplicationInfoPayload, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dispatch == nil {
		a.dispatch = newDispatchQueue(defaultDispatchWatermark, a.log)
	}
	a.log = a.log.With().Str("component", "application").Str("name", a.name).Logger()
	a.wireCodec = wire.NewCodec(a.maxPayloadSize)

	conn, err := net.Dial(a.network, a.addr)
	if err != nil {
		return nil, &someiperrors.TransportError{
			Kind:      someiperrors.TransportConnectFailed,
			Operation: "application connect",
			Err:       err,
			Details:   a.addr,
		}
	}
	a.conn = conn

	limits := transport.NewQueueLimits(a.queueBytes)
	a.endpoint = transport.NewLocalClientEndpoint(conn, limits, nil, a.log)
	a.session = ipc.NewSession(a.endpoint, ipc.NewFrameCodec(a.maxPayloadSize), a.onFrame, a.log)
	a.endpoint.Open(ctx)
	a.dispatch.start(ctx, a.deliver)

	if _, err := a.session.Send(ctx, 0, ipc.RegisterApplication, ipc.EncodeRegisterApplication(ipc.RegisterApplicationPayload{
		RequestedClientID: a.requestedClientID,
		EndpointName:      a.name,
	})); err != nil {
		a.Close()
		return nil, err
	}

	select {
	case info := <-a.infoCh:
		a.applyApplicationInfo(info)
	case <-ctx.Done():
		a.Close()
		return nil, ctx.Err()
	case <-time.After(registerTimeout):
		a.Close()
		return nil, &someiperrors.TransportError{
			Kind:      someiperrors.TransportConnectFailed,
			Operation: "application register",
			Details:   "timed out waiting for APPLICATION_INFO",
		}
	}

	return a, nil
}

func (a *Application) applyApplicationInfo(info ipc.ApplicationInfoPayload) {
	a.clientID = info.AssignedClientID
	a.mu.Lock()
	for _, p := range info.Peers {
		a.peers[p.ClientID] = p.Name
	}
	a.mu.Unlock()
}

// ClientID returns the client_id the routing manager assigned this
// application during registration.
func (a *Application) ClientID() uint16 { return a.clientID }

// Peers returns a snapshot of the other applications currently attached to
// the same routing manager.
func (a *Application) Peers() []Peer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Peer, 0, len(a.peers))
	for id, name := range a.peers {
		out = append(out, Peer{ClientID: id, Name: name})
	}
	return out
}

// Close deregisters and tears down the IPC connection.
func (a *Application) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.session != nil {
			_, _ = a.session.Send(context.Background(), a.clientID, ipc.DeregisterApplication, nil)
		}
		if a.dispatch != nil {
			a.dispatch.stop()
		}
		if a.endpoint != nil {
			err = a.endpoint.Close()
		}
	})
	return err
}

func (a *Application) send(ctx context.Context, cmd ipc.Command, payload []byte) error {
	result, err := a.session.Send(ctx, a.clientID, cmd, payload)
	if err != nil {
		return err
	}
	if result == transport.Rejected {
		return &someiperrors.TransportError{Kind: someiperrors.TransportQueueFull, Operation: cmd.String(), Details: "outbound IPC queue full"}
	}
	return nil
}
