package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	someiperrors "github.com/someipd/someipd/internal/errors"
	"github.com/someipd/someipd/internal/wire"
)

// reassemblyKey identifies one in-flight UDP-TP reassembly (spec §4.2:
// "keyed by (sender_addr, message_id, session)").
type reassemblyKey struct {
	sender    string
	messageID uint32 // serviceID<<16 | methodID
	session   uint16
}

// reassemblyState pairs a wire.Reassembler with the wall-clock deadline past
// which a gap aborts the reassembly (spec's "reorder window").
type reassemblyState struct {
	reasm    *wire.Reassembler
	deadline time.Time
}

// reassemblyTracker manages concurrent UDP-TP reassemblies for one endpoint.
type reassemblyTracker struct {
	mu           sync.Mutex
	inFlight     map[reassemblyKey]*reassemblyState
	maxTPSize    int
	reorderWindow time.Duration
}

func newReassemblyTracker(maxTPSize int, reorderWindow time.Duration) *reassemblyTracker {
	return &reassemblyTracker{
		inFlight:      make(map[reassemblyKey]*reassemblyState),
		maxTPSize:     maxTPSize,
		reorderWindow: reorderWindow,
	}
}

// addSegment feeds one TP segment into the reassembly keyed by key. It
// returns the completed payload once the final segment lands, or nil while
// more are expected. A gap that sits open past the reorder window is
// abandoned and reported as a codec error (spec §4.2).
func (t *reassemblyTracker) addSegment(key reassemblyKey, hdr wire.TPHeader, fragment []byte) ([]byte, error) {
	t.mu.Lock()
	st, ok := t.inFlight[key]
	now := time.Now()
	if ok && t.reorderWindow > 0 && now.After(st.deadline) {
		delete(t.inFlight, key)
		ok = false
	}
	if !ok {
		st = &reassemblyState{reasm: wire.NewReassembler(t.maxTPSize)}
		t.inFlight[key] = st
	}
	if t.reorderWindow > 0 {
		st.deadline = now.Add(t.reorderWindow)
	}
	t.mu.Unlock()

	payload, done, err := st.reasm.AddSegment(hdr, fragment)
	if err != nil {
		t.mu.Lock()
		delete(t.inFlight, key)
		t.mu.Unlock()
		return nil, err
	}
	if done {
		t.mu.Lock()
		delete(t.inFlight, key)
		t.mu.Unlock()
		return payload, nil
	}
	return nil, nil
}

// UDPClientEndpoint sends datagrams to a fixed destination and receives
// datagrams from any sender on the bound socket, generalizing the teacher's
// UDPv4Transport from an mDNS-multicast-only client to the unicast/multicast
// SOME/IP UDP client variant (spec §4.2).
type UDPClientEndpoint struct {
	stateBox

	conn     *net.UDPConn
	ipv4Conn *ipv4.PacketConn
	dest     *net.UDPAddr
	codec    *wire.Codec
	queue    *outboundQueue
	reasm    *reassemblyTracker
	onReceive func(src *net.UDPAddr, msg wire.Message)
	log      zerolog.Logger

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewUDPClientEndpoint binds a UDP socket and targets dest as the default
// send destination.
func NewUDPClientEndpoint(dest *net.UDPAddr, codec *wire.Codec, limits QueueLimits, maxTPSize int, reorderWindow time.Duration, onReceive func(*net.UDPAddr, wire.Message), log zerolog.Logger) (*UDPClientEndpoint, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, &someiperrors.TransportError{Kind: someiperrors.TransportConnectFailed, Operation: "listen udp", Err: err}
	}
	_ = conn.SetReadBuffer(receiveBufferSize)

	ipv4Conn := ipv4.NewPacketConn(conn)
	_ = ipv4Conn.SetControlMessage(ipv4.FlagInterface, true)

	e := &UDPClientEndpoint{
		conn:      conn,
		ipv4Conn:  ipv4Conn,
		dest:      dest,
		codec:     codec,
		queue:     newOutboundQueue(limits),
		reasm:     newReassemblyTracker(maxTPSize, reorderWindow),
		onReceive: onReceive,
		log:       log.With().Str("endpoint", "udp-client").Str("dest", dest.String()).Logger(),
		stop:      make(chan struct{}),
	}
	e.set(Connected)
	return e, nil
}

// Open starts the endpoint's write and receive loops.
func (e *UDPClientEndpoint) Open(ctx context.Context) {
	e.wg.Add(2)
	go e.writeLoop()
	go e.readLoop()
}

func (e *UDPClientEndpoint) writeLoop() {
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
		if _, err := e.conn.WriteToUDP(frame.Bytes, e.dest); err != nil {
			e.log.Debug().Err(err).Msg("udp write failed")
		}
	}
}

func (e *UDPClientEndpoint) readLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		bufPtr := GetBuffer()
		n, _, srcAddr, err := e.ipv4Conn.ReadFrom(*bufPtr)
		if err != nil {
			PutBuffer(bufPtr)
			select {
			case <-e.stop:
				return
			default:
				continue
			}
		}

		datagram := make([]byte, n)
		copy(datagram, (*bufPtr)[:n])
		PutBuffer(bufPtr)

		udpSrc, _ := srcAddr.(*net.UDPAddr)
		e.handleDatagram(udpSrc, datagram)
	}
}

func (e *UDPClientEndpoint) handleDatagram(src *net.UDPAddr, datagram []byte) {
	msg, result, _, _, err := e.codec.Decode(datagram)
	if result != wire.DecodeOK {
		e.log.Debug().Err(err).Str("result", "non-ok").Msg("dropping malformed udp datagram")
		return
	}

	if !msg.Header.MessageType.IsTP() {
		if e.onReceive != nil {
			e.onReceive(src, msg)
		}
		return
	}

	if len(msg.Payload) < wire.TPHeaderSize {
		return
	}
	hdr := wire.DecodeTPHeader(msg.Payload[:wire.TPHeaderSize])
	key := reassemblyKey{
		sender:    src.String(),
		messageID: uint32(msg.Header.ServiceID)<<16 | uint32(msg.Header.MethodID),
		session:   msg.Header.SessionID,
	}
	full, err := e.reasm.addSegment(key, hdr, msg.Payload[wire.TPHeaderSize:])
	if err != nil {
		e.log.Debug().Err(err).Msg("udp-tp reassembly aborted")
		return
	}
	if full == nil {
		return
	}

	reassembled := msg
	reassembled.Header.MessageType = msg.Header.MessageType.Base()
	reassembled.Payload = full
	if e.onReceive != nil {
		e.onReceive(src, reassembled)
	}
}

// Send enqueues frame for transmission to the endpoint's fixed destination.
// Server endpoints with no fixed destination must use SendTo instead.
func (e *UDPClientEndpoint) Send(ctx context.Context, frame Frame) (SendResult, error) {
	if e.dest == nil {
		return Rejected, &someiperrors.TransportError{Kind: someiperrors.TransportWriteFailed, Operation: "send", Details: "endpoint has no fixed destination, use SendTo"}
	}
	return e.queue.enqueue(frame), nil
}

// Flush is a no-op: the write loop drains continuously.
func (e *UDPClientEndpoint) Flush(ctx context.Context) error { return nil }

// Close releases the socket and stops background loops.
func (e *UDPClientEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.set(Closing)
		close(e.stop)
		err = e.conn.Close()
		e.wg.Wait()
		e.set(Closed)
	})
	return err
}

// State reports the endpoint's current lifecycle state.
func (e *UDPClientEndpoint) State() State { return e.get() }

// UDPServerEndpoint is a UDP endpoint bound to a well-known service port,
// receiving from and replying to arbitrary peers (no fixed destination).
// It shares its receive-path and reassembly logic with UDPClientEndpoint;
// the distinction spec.md §4.2 draws is about which side initiates.
type UDPServerEndpoint struct {
	*UDPClientEndpoint
}

// NewUDPServerEndpoint binds addr and listens for inbound datagrams from any
// peer. Outbound frames must be sent via SendTo since there is no fixed
// destination.
func NewUDPServerEndpoint(addr *net.UDPAddr, codec *wire.Codec, limits QueueLimits, maxTPSize int, reorderWindow time.Duration, onReceive func(*net.UDPAddr, wire.Message), log zerolog.Logger) (*UDPServerEndpoint, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	packetConn, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, &someiperrors.TransportError{Kind: someiperrors.TransportConnectFailed, Operation: "listen udp", Err: err, Details: addr.String()}
	}
	conn := packetConn.(*net.UDPConn)
	_ = conn.SetReadBuffer(receiveBufferSize)

	ipv4Conn := ipv4.NewPacketConn(conn)
	_ = ipv4Conn.SetControlMessage(ipv4.FlagInterface, true)

	e := &UDPClientEndpoint{
		conn:      conn,
		ipv4Conn:  ipv4Conn,
		codec:     codec,
		queue:     newOutboundQueue(limits),
		reasm:     newReassemblyTracker(maxTPSize, reorderWindow),
		onReceive: onReceive,
		log:       log.With().Str("endpoint", "udp-server").Str("addr", addr.String()).Logger(),
		stop:      make(chan struct{}),
	}
	e.set(Connected)
	return &UDPServerEndpoint{UDPClientEndpoint: e}, nil
}

// SendTo writes frame to dest immediately on the endpoint's socket,
// bypassing the outbound queue and its byte caps; it is the server
// variant's send path, since Send needs a fixed destination.
func (e *UDPServerEndpoint) SendTo(dest *net.UDPAddr, frame Frame) (SendResult, error) {
	if _, err := e.conn.WriteToUDP(frame.Bytes, dest); err != nil {
		return Rejected, &someiperrors.TransportError{Kind: someiperrors.TransportWriteFailed, Operation: "send to", Err: err, Details: dest.String()}
	}
	return Enqueued, nil
}
