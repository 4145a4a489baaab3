package transport

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"

	someiperrors "github.com/someipd/someipd/internal/errors"
)

// RawFrame is a pre-framed byte slice; local endpoints carry IPC command
// frames rather than SOME/IP wire messages, so they skip internal/wire
// entirely and hand raw bytes to internal/ipc for framing.
type RawFrame struct {
	Bytes []byte
}

// LocalClientEndpoint is one application's side of the local IPC channel: a
// single point-to-point stream connection to the routing manager (spec
// §4.3). It reuses the byte-oriented queue/state-machine shape of the
// network endpoints but without SOME/IP decoding, since IPC framing differs.
type LocalClientEndpoint struct {
	stateBox

	conn      net.Conn
	queue     *outboundQueue
	onReceive func([]byte)
	log       zerolog.Logger

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLocalClientEndpoint wraps an already-connected stream (unix socket or
// named pipe) as a LocalClientEndpoint.
func NewLocalClientEndpoint(conn net.Conn, limits QueueLimits, onReceive func([]byte), log zerolog.Logger) *LocalClientEndpoint {
	return &LocalClientEndpoint{
		conn:      conn,
		queue:     newOutboundQueue(limits),
		onReceive: onReceive,
		log:       log.With().Str("endpoint", "local-client").Logger(),
		stop:      make(chan struct{}),
	}
}

// Open starts the read and write loops.
func (e *LocalClientEndpoint) Open(ctx context.Context) {
	e.set(Connected)
	e.wg.Add(2)
	go e.writeLoop()
	go e.readLoop()
}

func (e *LocalClientEndpoint) writeLoop() {
	defer e.wg.Done()
	for {
		frame, ok := e.queue.pop()
		if !ok {
			select {
			case <-e.queue.wake:
				continue
			case <-e.stop:
				return
			}
		}
		if _, err := e.conn.Write(frame.Bytes); err != nil {
			e.log.Debug().Err(err).Msg("local write failed")
			e.set(Closing)
			_ = e.conn.Close()
			return
		}
	}
}

func (e *LocalClientEndpoint) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, growBufferInitialSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 && e.onReceive != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.onReceive(chunk)
		}
		if err != nil {
			e.set(Closing)
			_ = e.conn.Close()
			return
		}
	}
}

// Send enqueues a pre-framed IPC command for transmission.
func (e *LocalClientEndpoint) Send(ctx context.Context, frame Frame) (SendResult, error) {
	if e.State() == Closed {
		return Rejected, &someiperrors.TransportError{Kind: someiperrors.TransportClosed, Operation: "send", Details: "local endpoint closed"}
	}
	return e.queue.enqueue(frame), nil
}

// Flush is a no-op: the write loop drains continuously.
func (e *LocalClientEndpoint) Flush(ctx context.Context) error { return nil }

// Close discards any queued frames and closes the underlying connection.
func (e *LocalClientEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.set(Closing)
		close(e.stop)
		e.queue.drain()
		err = e.conn.Close()
		e.wg.Wait()
		e.set(Closed)
	})
	return err
}

// State reports the endpoint's current lifecycle state.
func (e *LocalClientEndpoint) State() State { return e.get() }

// OnReceive registers the callback invoked with each chunk of bytes read
// from the connection. Must be set before Open is called; internal/ipc uses
// this to attach its frame parser to a freshly accepted connection.
func (e *LocalClientEndpoint) OnReceive(fn func([]byte)) {
	e.onReceive = fn
}

// LocalServerEndpoint is the routing manager's side of the local IPC
// listener: it accepts one connection per attaching application and hands
// each its own LocalClientEndpoint (the framing and state machine are
// identical from either side of the socket).
type LocalServerEndpoint struct {
	stateBox

	listener net.Listener
	limits   QueueLimits
	onAccept func(*LocalClientEndpoint)
	log      zerolog.Logger

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLocalServerEndpoint listens on network/addr (e.g. "unix", "/run/someipd/routing").
// onAccept is invoked with a ready-to-Open LocalClientEndpoint for each
// newly attached application.
func NewLocalServerEndpoint(network, addr string, limits QueueLimits, onAccept func(*LocalClientEndpoint), log zerolog.Logger) (*LocalServerEndpoint, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, &someiperrors.TransportError{Kind: someiperrors.TransportConnectFailed, Operation: "listen local", Err: err, Details: addr}
	}
	return &LocalServerEndpoint{
		listener: ln,
		limits:   limits,
		onAccept: onAccept,
		log:      log.With().Str("endpoint", "local-server").Str("addr", addr).Logger(),
		stop:     make(chan struct{}),
	}, nil
}

// Open begins accepting application connections in the background.
func (e *LocalServerEndpoint) Open(ctx context.Context) {
	e.set(Connected)
	e.wg.Add(1)
	go e.acceptLoop(ctx)
}

func (e *LocalServerEndpoint) acceptLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
				e.log.Debug().Err(err).Msg("local accept failed")
				return
			}
		}
		client := NewLocalClientEndpoint(conn, e.limits, nil, e.log)
		if e.onAccept != nil {
			e.onAccept(client)
		}
	}
}

// Close stops accepting new connections.
func (e *LocalServerEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.set(Closing)
		close(e.stop)
		err = e.listener.Close()
		e.wg.Wait()
		e.set(Closed)
	})
	return err
}

// State reports the endpoint's current lifecycle state.
func (e *LocalServerEndpoint) State() State { return e.get() }

// Addr returns the listener's bound address, useful when addr was ":0" or
// an ephemeral-port form and the caller needs to know what was actually
// bound.
func (e *LocalServerEndpoint) Addr() net.Addr { return e.listener.Addr() }
