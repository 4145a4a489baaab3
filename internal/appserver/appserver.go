// Package appserver is the routing manager's side of the Local IPC channel
// (spec §4.3): it accepts application connections on a
// transport.LocalServerEndpoint, registers them with an ipc.Registrar, and
// dispatches their framed commands into the registry, discovery engine, and
// routing.Manager.
//
// Grounded on the teacher's responder.Responder accept-and-dispatch loop,
// generalized from mDNS's stateless per-datagram handling to SOME/IP's
// stateful per-connection command protocol.
package appserver

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/someipd/someipd/internal/discovery"
	"github.com/someipd/someipd/internal/ipc"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/routing"
	"github.com/someipd/someipd/internal/transport"
)

// KeepaliveInterval is the PING cadence the server holds every attached
// application to (spec §4.3: three consecutive missed PONGs declare an
// application lost).
const KeepaliveInterval = 2 * time.Second

// Server is the routing-manager-side endpoint of the local IPC protocol. One
// Server owns the Registrar and wires every attached application's Session
// into the shared registry, discovery engine, and routing.Manager.
type Server struct {
	reg       *registry.Registry
	sd        *discovery.Engine
	manager   *routing.Manager
	registrar *ipc.Registrar
	codec     *ipc.FrameCodec
	log       zerolog.Logger
}

// New constructs a Server. Policy decisions are reached through manager
// (CheckOfferPolicy/CheckRequestPolicy), not through a separately held
// policy.Gate. It registers itself as the discovery engine's OnSubscribeAck
// callback, so it must be the only such registrant.
func New(reg *registry.Registry, sd *discovery.Engine, manager *routing.Manager, registrar *ipc.Registrar, codec *ipc.FrameCodec, log zerolog.Logger) *Server {
	s := &Server{
		reg:       reg,
		sd:        sd,
		manager:   manager,
		registrar: registrar,
		codec:     codec,
		log:       log.With().Str("component", "appserver").Logger(),
	}
	sd.OnSubscribeAck(s.onRemoteSubscribeAck)
	return s
}

// Listen opens a transport.LocalServerEndpoint on network/addr and accepts
// application connections until ctx is cancelled or Close is called.
func (s *Server) Listen(ctx context.Context, network, addr string, limits transport.QueueLimits) (*transport.LocalServerEndpoint, error) {
	ln, err := transport.NewLocalServerEndpoint(network, addr, limits, func(ep *transport.LocalClientEndpoint) {
		s.accept(ctx, ep)
	}, s.log)
	if err != nil {
		return nil, err
	}
	ln.Open(ctx)
	return ln, nil
}

// conn is the per-application state a Server tracks across the lifetime of
// one attachment, from REGISTER_APPLICATION to DEREGISTER_APPLICATION or
// loss detection.
type conn struct {
	clientID uint16
	session  *ipc.Session
}

// accept wires a freshly accepted LocalClientEndpoint into an ipc.Session,
// matching application.New()'s ordering: the Session's frame parser must be
// attached via OnReceive (done inside ipc.NewSession) before Open starts the
// read loop.
func (s *Server) accept(ctx context.Context, ep *transport.LocalClientEndpoint) {
	c := &conn{}
	handler := func(f ipc.Frame) { s.onFrame(ctx, c, f) }
	c.session = ipc.NewSession(ep, s.codec, handler, s.log)
	ep.Open(ctx)
}
