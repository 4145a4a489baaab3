package ipc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	someiperrors "github.com/someipd/someipd/internal/errors"
	"github.com/someipd/someipd/internal/transport"
)

// Handler is invoked for every fully decoded inbound frame on a Session.
type Handler func(f Frame)

// Session frames outbound commands and reassembles inbound bytes into
// commands over one transport.LocalClientEndpoint, and tracks the PING/PONG
// keepalive of spec §4.3.
//
// Generalizes the teacher's internal/message framed-parsing discipline (feed
// bytes in, get back zero or more complete messages plus leftover bytes) from
// a one-shot DNS datagram parse into a streaming accumulate-then-drain loop,
// since local IPC is a byte stream rather than a datagram.
type Session struct {
	endpoint *transport.LocalClientEndpoint
	codec    *FrameCodec
	handler  Handler
	log      zerolog.Logger

	// correlationID identifies this session across log lines for the
	// lifetime of one connection; it never appears on the wire, since
	// client_id is the 16-bit identifier spec §4.3 actually routes on.
	correlationID uuid.UUID

	mu  sync.Mutex
	buf []byte

	missedPongs int32
	onLost      func()

	stopKeepalive chan struct{}
	keepaliveOnce sync.Once
}

// NewSession wraps endpoint, dispatching decoded frames to handler.
func NewSession(endpoint *transport.LocalClientEndpoint, codec *FrameCodec, handler Handler, log zerolog.Logger) *Session {
	correlationID := uuid.New()
	s := &Session{
		endpoint:      endpoint,
		codec:         codec,
		handler:       handler,
		log:           log.With().Str("component", "ipc-session").Stringer("session", correlationID).Logger(),
		correlationID: correlationID,
		stopKeepalive: make(chan struct{}),
	}
	endpoint.OnReceive(s.onBytes)
	return s
}

// CorrelationID returns the session's log-correlation identifier, distinct
// from the wire-visible client_id (spec §4.3 assigns that separately, at
// REGISTER_APPLICATION time).
func (s *Session) CorrelationID() uuid.UUID { return s.correlationID }

func (s *Session) onBytes(chunk []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, chunk...)
	var frames []Frame
	for {
		f, result, consumed, _, err := s.codec.Decode(s.buf)
		switch result {
		case DecodeOK:
			frames = append(frames, f)
			s.buf = s.buf[consumed:]
		case DecodePartial:
			s.mu.Unlock()
			s.dispatch(frames)
			return
		case DecodeCorrupt:
			s.log.Warn().Err(err).Msg("ipc framing error, disconnecting session")
			s.buf = nil
			s.mu.Unlock()
			s.dispatch(frames)
			_ = s.endpoint.Close()
			return
		}
	}
}

func (s *Session) dispatch(frames []Frame) {
	for _, f := range frames {
		if f.Command == Pong {
			atomic.StoreInt32(&s.missedPongs, 0)
			continue
		}
		if s.handler != nil {
			s.handler(f)
		}
	}
}

// Send frames and enqueues one command. Local IPC frames never participate
// in the per-(service,method) overflow cap, so ServiceID/MethodID are left
// zero.
func (s *Session) Send(ctx context.Context, clientID uint16, cmd Command, payload []byte) (transport.SendResult, error) {
	encoded, err := s.codec.Encode(Frame{ClientID: clientID, Command: cmd, Payload: payload})
	if err != nil {
		return transport.Rejected, err
	}
	return s.endpoint.Send(ctx, transport.Frame{Bytes: encoded})
}

// StartKeepalive begins sending PING every interval and tracking PONG
// replies. Three consecutive missed PONGs trigger onLost exactly once (spec
// §4.3: "missing three consecutive pongs ⇒ app declared lost").
func (s *Session) StartKeepalive(ctx context.Context, clientID uint16, interval time.Duration, onLost func()) {
	s.onLost = onLost
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// missed counts PINGs sent since the last PONG, plus this tick;
				// above 3 means three PINGs in a row went unanswered.
				missed := atomic.AddInt32(&s.missedPongs, 1)
				if missed > 3 {
					s.keepaliveOnce.Do(func() {
						if s.onLost != nil {
							s.onLost()
						}
					})
					return
				}
				if _, err := s.Send(ctx, clientID, Ping, nil); err != nil {
					s.log.Debug().Err(err).Msg("ping send failed")
				}
			case <-s.stopKeepalive:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopKeepalive halts the keepalive goroutine started by StartKeepalive.
func (s *Session) StopKeepalive() {
	select {
	case <-s.stopKeepalive:
	default:
		close(s.stopKeepalive)
	}
}

// HandlePing replies PONG to a received PING, mirroring the keepalive
// responsibility of whichever side did not initiate it (the routing manager
// pings applications; applications must answer).
func (s *Session) HandlePing(ctx context.Context, clientID uint16) error {
	_, err := s.Send(ctx, clientID, Pong, nil)
	return err
}

// ErrSessionClosed is returned by operations attempted after the underlying
// endpoint has closed.
var ErrSessionClosed = &someiperrors.TransportError{Kind: someiperrors.TransportClosed, Operation: "ipc session", Details: "session closed"}
