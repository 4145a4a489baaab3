package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	someiperrors "github.com/someipd/someipd/internal/errors"
	"github.com/someipd/someipd/internal/wire"
)

var tcpServerListenConfig = net.ListenConfig{Control: controlReuseAddr}

// growBufferInitialSize is the starting capacity of a TCP endpoint's
// grow-on-demand receive buffer; it doubles as frames overflow it.
const growBufferInitialSize = 4096

// TCPClientEndpoint implements Endpoint over an outbound TCP connection with
// auto-reconnect, modeled on the teacher's context-aware Transport but
// generalized from one-shot UDP Send/Receive to a stateful, queue-driven
// reliable stream endpoint (spec §4.2).
type TCPClientEndpoint struct {
	stateBox

	addr             string
	decoder          *wire.CookieDecoder
	maxMessageSize   uint32
	queue            *outboundQueue
	backoff          *Backoff
	queueOnReconnect bool
	onReceive        func(msg wire.Message)
	log              zerolog.Logger

	connMu sync.Mutex
	conn   net.Conn

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTCPClientEndpoint returns a TCPClientEndpoint dialing addr. onReceive is
// invoked for every fully decoded inbound message; it must not block.
func NewTCPClientEndpoint(addr string, decoder *wire.CookieDecoder, limits QueueLimits, backoff *Backoff, queueOnReconnect bool, onReceive func(wire.Message), log zerolog.Logger) *TCPClientEndpoint {
	return &TCPClientEndpoint{
		addr:             addr,
		decoder:          decoder,
		maxMessageSize:   decoder.Codec.MaxMessageSize,
		queue:            newOutboundQueue(limits),
		backoff:          backoff,
		queueOnReconnect: queueOnReconnect,
		onReceive:        onReceive,
		log:              log.With().Str("endpoint", "tcp-client").Str("addr", addr).Logger(),
		stop:             make(chan struct{}),
	}
}

// Open begins the connect/reconnect loop in the background. It returns
// immediately; the endpoint transitions to Connected asynchronously.
func (e *TCPClientEndpoint) Open(ctx context.Context) {
	if !e.compareAndSet(Disconnected, Connecting) {
		return
	}
	e.wg.Add(1)
	go e.connectLoop(ctx)
}

func (e *TCPClientEndpoint) connectLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", e.addr)
		if err != nil {
			e.log.Debug().Err(err).Msg("connect failed, backing off")
			if !e.queueOnReconnect {
				e.queue.drain()
			}
			select {
			case <-time.After(e.backoff.Next()):
				continue
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		e.backoff.Reset()
		e.connMu.Lock()
		e.conn = conn
		e.connMu.Unlock()
		e.set(Connected)

		e.wg.Add(1)
		go e.writeLoop(conn)

		e.readLoop(conn) // blocks until the connection drops

		e.connMu.Lock()
		e.conn = nil
		e.connMu.Unlock()

		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		default:
			if e.compareAndSet(Connected, Connecting) || e.compareAndSet(Closing, Connecting) {
				continue
			}
			return
		}
	}
}

func (e *TCPClientEndpoint) writeLoop(conn net.Conn) {
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
		if _, err := conn.Write(frame.Bytes); err != nil {
			e.log.Debug().Err(err).Msg("write failed")
			_ = conn.Close()
			return
		}
	}
}

func (e *TCPClientEndpoint) readLoop(conn net.Conn) {
	buf := make([]byte, growBufferInitialSize)
	used := 0

	for {
		if used == len(buf) {
			grown := make([]byte, len(buf)*2)
			copy(grown, buf[:used])
			buf = grown
		}

		n, err := conn.Read(buf[used:])
		if n > 0 {
			used += n
		}

		consumed := e.drainFrames(buf[:used])
		if consumed > 0 {
			copy(buf, buf[consumed:used])
			used -= consumed
		}

		if err != nil {
			_ = conn.Close()
			return
		}

		if uint32(used) > e.maxMessageSize && !e.decoder.CookiesEnabled {
			e.log.Warn().Msg("receive buffer exceeds max_message_size with cookies disabled, closing connection")
			_ = conn.Close()
			return
		}
	}
}

// drainFrames decodes as many complete frames as are available at the front
// of buf, delivering each to onReceive, and returns the number of bytes
// consumed for the caller to compact away.
func (e *TCPClientEndpoint) drainFrames(buf []byte) int {
	total := 0
	for {
		remaining := buf[total:]
		msg, result, consumed, _, resyncOffset, resyncFound, err := e.decoder.Decode(remaining)
		switch result {
		case wire.DecodeOK:
			if e.onReceive != nil {
				e.onReceive(msg)
			}
			total += consumed
		case wire.DecodePartial:
			return total
		case wire.DecodeCorrupt:
			if resyncFound {
				e.log.Debug().Int("resync_offset", resyncOffset).Msg("corrupt frame, resyncing on magic cookie")
				total += resyncOffset
				continue
			}
			e.log.Debug().Err(err).Msg("corrupt frame, no cookie resync available")
			return total
		}
	}
}

// Send enqueues frame for transmission.
func (e *TCPClientEndpoint) Send(ctx context.Context, frame Frame) (SendResult, error) {
	if e.State() == Closed {
		return Rejected, &someiperrors.TransportError{Kind: someiperrors.TransportClosed, Operation: "send", Details: "endpoint closed"}
	}
	return e.queue.enqueue(frame), nil
}

// Flush is a no-op for TCPClientEndpoint: the write loop is already
// perpetually draining the queue as bytes arrive.
func (e *TCPClientEndpoint) Flush(ctx context.Context) error { return nil }

// Close discards the queue and tears the connection down.
func (e *TCPClientEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.set(Closing)
		close(e.stop)
		e.queue.drain()
		e.connMu.Lock()
		if e.conn != nil {
			err = e.conn.Close()
		}
		e.connMu.Unlock()
		e.wg.Wait()
		e.set(Closed)
	})
	return err
}

// State reports the endpoint's current lifecycle state.
func (e *TCPClientEndpoint) State() State { return e.get() }

// TCPServerEndpoint accepts inbound TCP connections (e.g. from remote ECUs
// offering services over reliable transport) and fans decoded frames in
// through a single onReceive callback, mirroring spec.md §4.2's server-side
// variant of the same state machine and receive-path rules.
type TCPServerEndpoint struct {
	stateBox

	listener       net.Listener
	decoderFactory func() *wire.CookieDecoder
	maxMessageSize uint32
	onReceive      func(src net.Addr, msg wire.Message)
	log            zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]*outboundQueue
	limits  QueueLimits

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTCPServerEndpoint returns a TCPServerEndpoint listening on addr.
// decoderFactory produces one CookieDecoder per accepted connection (each
// connection needs its own Magic-Cookie resync state).
func NewTCPServerEndpoint(addr string, decoderFactory func() *wire.CookieDecoder, maxMessageSize uint32, limits QueueLimits, onReceive func(net.Addr, wire.Message), log zerolog.Logger) (*TCPServerEndpoint, error) {
	ln, err := tcpServerListenConfig.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, &someiperrors.TransportError{Kind: someiperrors.TransportConnectFailed, Operation: "listen", Err: err, Details: addr}
	}
	return &TCPServerEndpoint{
		listener:       ln,
		decoderFactory: decoderFactory,
		maxMessageSize: maxMessageSize,
		onReceive:      onReceive,
		log:            log.With().Str("endpoint", "tcp-server").Str("addr", addr).Logger(),
		conns:          make(map[net.Conn]*outboundQueue),
		limits:         limits,
		stop:           make(chan struct{}),
	}, nil
}

// Open begins accepting connections in the background.
func (e *TCPServerEndpoint) Open(ctx context.Context) {
	e.set(Connected)
	e.wg.Add(1)
	go e.acceptLoop(ctx)
}

func (e *TCPServerEndpoint) acceptLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
				e.log.Debug().Err(err).Msg("accept failed")
				return
			}
		}

		q := newOutboundQueue(e.limits)
		e.connsMu.Lock()
		e.conns[conn] = q
		e.connsMu.Unlock()

		e.wg.Add(2)
		go e.serveWrite(conn, q)
		go e.serveRead(conn)
	}
}

func (e *TCPServerEndpoint) serveWrite(conn net.Conn, q *outboundQueue) {
	defer e.wg.Done()
	for {
		frame, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-e.stop:
				return
			}
		}
		if _, err := conn.Write(frame.Bytes); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func (e *TCPServerEndpoint) serveRead(conn net.Conn) {
	defer e.wg.Done()
	defer e.forgetConn(conn)

	decoder := e.decoderFactory()
	buf := make([]byte, growBufferInitialSize)
	used := 0

	for {
		if used == len(buf) {
			grown := make([]byte, len(buf)*2)
			copy(grown, buf[:used])
			buf = grown
		}

		n, err := conn.Read(buf[used:])
		if n > 0 {
			used += n
		}

		total := 0
		for {
			remaining := buf[total:used]
			msg, result, consumed, _, resyncOffset, resyncFound, _ := decoder.Decode(remaining)
			switch result {
			case wire.DecodeOK:
				if e.onReceive != nil {
					e.onReceive(conn.RemoteAddr(), msg)
				}
				total += consumed
			case wire.DecodePartial:
				goto drained
			case wire.DecodeCorrupt:
				if resyncFound {
					total += resyncOffset
					continue
				}
				goto drained
			}
		}
	drained:
		if total > 0 {
			copy(buf, buf[total:used])
			used -= total
		}

		if err != nil {
			_ = conn.Close()
			return
		}
		if uint32(used) > e.maxMessageSize && !decoder.CookiesEnabled {
			e.log.Warn().Str("peer", conn.RemoteAddr().String()).Msg("receive buffer exceeds max_message_size with cookies disabled, closing connection")
			_ = conn.Close()
			return
		}
	}
}

func (e *TCPServerEndpoint) forgetConn(conn net.Conn) {
	e.connsMu.Lock()
	delete(e.conns, conn)
	e.connsMu.Unlock()
}

// Send enqueues frame on every currently connected peer. Server endpoints
// fan out rather than targeting one queue; per-peer addressing is handled
// one layer up by the routing manager picking which Endpoint to call.
func (e *TCPServerEndpoint) Send(ctx context.Context, frame Frame) (SendResult, error) {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	if len(e.conns) == 0 {
		return Rejected, &someiperrors.TransportError{Kind: someiperrors.TransportWriteFailed, Operation: "send", Details: "no connected peers"}
	}
	result := Enqueued
	for _, q := range e.conns {
		if r := q.enqueue(frame); r == Rejected {
			result = Rejected
		}
	}
	return result, nil
}

// Flush is a no-op; each per-connection write loop drains continuously.
func (e *TCPServerEndpoint) Flush(ctx context.Context) error { return nil }

// Close stops accepting connections and closes every active peer.
func (e *TCPServerEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.set(Closing)
		close(e.stop)
		err = e.listener.Close()
		e.connsMu.Lock()
		for conn := range e.conns {
			_ = conn.Close()
		}
		e.connsMu.Unlock()
		e.wg.Wait()
		e.set(Closed)
	})
	return err
}

// State reports the endpoint's current lifecycle state.
func (e *TCPServerEndpoint) State() State { return e.get() }
