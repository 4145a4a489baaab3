package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	someiperrors "github.com/someipd/someipd/internal/errors"
)

// MulticastEndpoint is the Service Discovery engine's dedicated UDP socket
// (spec §4.5): one socket joined to the SD multicast group, carrying both
// the cyclic multicast offers/finds and unicast subscribe/ack traffic.
//
// Grounded directly on the teacher's original internal/transport.UDPv4Transport
// (net.ListenMulticastUDP plus a raw []byte Send/Receive pair) rather than on
// this package's own UDPClientEndpoint/UDPServerEndpoint: those generalize to
// decoding a wire.Message before handing it to a typed callback, which does
// not fit internal/discovery.Sender's raw-bytes contract, or
// Engine.HandleDatagram's own raw-payload decoding. SD traffic gets the
// teacher's original one-socket shape back, rather than a second layer of
// SOME/IP header decoding neither side wants.
type MulticastEndpoint struct {
	conn  *net.UDPConn
	group *net.UDPAddr
	log   zerolog.Logger

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMulticastEndpoint joins groupAddr (e.g. "224.0.0.0:30490", the group and
// port of discovery.DefaultConfig) and starts delivering inbound datagrams to
// onDatagram on a background goroutine until Close is called.
func NewMulticastEndpoint(groupAddr string, onDatagram func(src *net.UDPAddr, payload []byte), log zerolog.Logger) (*MulticastEndpoint, error) {
	group, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, &someiperrors.TransportError{Kind: someiperrors.TransportConnectFailed, Operation: "resolve sd multicast group", Err: err, Details: groupAddr}
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, &someiperrors.TransportError{Kind: someiperrors.TransportConnectFailed, Operation: "join sd multicast group", Err: err, Details: groupAddr}
	}
	if err := conn.SetReadBuffer(65536); err != nil {
		log.Debug().Err(err).Msg("failed to size sd socket read buffer")
	}

	e := &MulticastEndpoint{
		conn:  conn,
		group: group,
		log:   log.With().Str("endpoint", "sd-multicast").Str("group", groupAddr).Logger(),
		stop:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.readLoop(onDatagram)
	return e, nil
}

func (e *MulticastEndpoint) readLoop(onDatagram func(src *net.UDPAddr, payload []byte)) {
	defer e.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
				e.log.Debug().Err(err).Msg("sd socket read failed")
				return
			}
		}
		if n == 0 || onDatagram == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		onDatagram(src, payload)
	}
}

// SendMulticast transmits payload to the joined multicast group, satisfying
// internal/discovery.Sender.
func (e *MulticastEndpoint) SendMulticast(payload []byte) error {
	n, err := e.conn.WriteToUDP(payload, e.group)
	if err != nil {
		return &someiperrors.TransportError{Kind: someiperrors.TransportWriteFailed, Operation: "sd multicast send", Err: err}
	}
	if n != len(payload) {
		return &someiperrors.TransportError{Kind: someiperrors.TransportWriteFailed, Operation: "sd multicast send", Details: fmt.Sprintf("partial write: %d/%d bytes", n, len(payload))}
	}
	return nil
}

// SendUnicast transmits payload directly to dest over the same socket,
// satisfying internal/discovery.Sender. Used for Find/Offer/Subscribe
// replies and unicast SubscribeEventgroup requests.
func (e *MulticastEndpoint) SendUnicast(dest *net.UDPAddr, payload []byte) error {
	n, err := e.conn.WriteToUDP(payload, dest)
	if err != nil {
		return &someiperrors.TransportError{Kind: someiperrors.TransportWriteFailed, Operation: "sd unicast send", Err: err, Details: dest.String()}
	}
	if n != len(payload) {
		return &someiperrors.TransportError{Kind: someiperrors.TransportWriteFailed, Operation: "sd unicast send", Details: fmt.Sprintf("partial write: %d/%d bytes", n, len(payload))}
	}
	return nil
}

// Close stops the read loop and releases the socket.
func (e *MulticastEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stop)
		err = e.conn.Close()
		e.wg.Wait()
	})
	return err
}
