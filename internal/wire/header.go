// Package wire implements the SOME/IP message codec and framing (spec §4.1):
// header encode/decode, Magic Cookie resynchronization, and the TP
// (transport-protocol) segmentation variant, for both TCP (length-prefixed,
// stream) and UDP (datagram-per-message) transports.
//
// Grounded on the teacher's internal/message package (fixed-layout,
// big-endian, length-prefixed DNS message parsing with explicit partial/error
// results), generalized from the DNS wire format to the SOME/IP wire format.
package wire

import "encoding/binary"

// HeaderSize is the fixed size, in bytes, of a SOME/IP header.
const HeaderSize = 16

// MessageType is the SOME/IP message type field (spec §4.1).
type MessageType uint8

const (
	MessageTypeRequest         MessageType = 0x00
	MessageTypeRequestNoReturn MessageType = 0x01
	MessageTypeNotification    MessageType = 0x02
	MessageTypeRequestAck      MessageType = 0x40
	MessageTypeNotificationAck MessageType = 0x42
	MessageTypeResponse        MessageType = 0x80
	MessageTypeError           MessageType = 0x81

	// tpFlag (0x20, bit 5 of the message type) marks a TP (segmented)
	// variant of the base type (spec §4.1).
	tpFlag MessageType = 0x20

	MessageTypeRequestNoReturnTP MessageType = MessageTypeRequestNoReturn | tpFlag
	MessageTypeRequestTP         MessageType = MessageTypeRequest | tpFlag
	MessageTypeNotificationTP    MessageType = MessageTypeNotification | tpFlag
	MessageTypeResponseTP        MessageType = MessageTypeResponse | tpFlag
	MessageTypeErrorTP           MessageType = MessageTypeError | tpFlag
)

// IsTP reports whether the message type carries a TP (segmentation) header.
func (t MessageType) IsTP() bool { return t&tpFlag != 0 }

// Base strips the TP flag, returning the underlying message type.
func (t MessageType) Base() MessageType { return t &^ tpFlag }

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeRequestNoReturn:
		return "REQUEST_NO_RETURN"
	case MessageTypeNotification:
		return "NOTIFICATION"
	case MessageTypeRequestAck:
		return "REQUEST_ACK"
	case MessageTypeNotificationAck:
		return "NOTIFICATION_ACK"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeError:
		return "ERROR"
	default:
		if t.IsTP() {
			return t.Base().String() + "_TP"
		}
		return "UNKNOWN"
	}
}

// ReturnCode is the SOME/IP return code field (spec §4.1).
type ReturnCode uint8

const (
	EOK                      ReturnCode = 0x00
	ENotOK                   ReturnCode = 0x01
	EUnknownService          ReturnCode = 0x02
	EUnknownMethod           ReturnCode = 0x03
	ENotReady                ReturnCode = 0x04
	ENotReachable            ReturnCode = 0x05
	ETimeout                 ReturnCode = 0x06
	EWrongProtocolVersion    ReturnCode = 0x07
	EWrongInterfaceVersion   ReturnCode = 0x08
	EMalformedMessage        ReturnCode = 0x09
	EWrongMessageType        ReturnCode = 0x0A
)

// ProtocolVersion is the fixed SOME/IP protocol version this codec speaks.
const ProtocolVersion uint8 = 0x01

// Sentinel wildcard identifiers (spec §3).
const (
	AnyService  uint16 = 0xFFFF
	AnyInstance uint16 = 0xFFFF
	AnyMethod   uint16 = 0xFFFF
	AnyMajor    uint8  = 0xFF
	AnyMinor    uint32 = 0xFFFFFFFF

	IllegalClient uint16 = 0x0000
)

// TTL sentinels (spec §3).
const (
	TTLStopOffer     uint32 = 0x000000
	TTLUntilReboot   uint32 = 0xFFFFFF
	TTLMax           uint32 = 0xFFFFFF // 24-bit field
)

// EventIDFlag is set in the high bit of a method_id/event_id field to mark it
// as an event/notification identifier rather than a method identifier.
const EventIDFlag uint16 = 0x8000

// IsEvent reports whether id names an event/notification per spec §3.
func IsEvent(id uint16) bool { return id&EventIDFlag != 0 }

// Header is the 16-byte SOME/IP header (spec §4.1). All fields are
// transmitted big-endian.
type Header struct {
	ServiceID        uint16
	MethodID         uint16
	Length           uint32 // covers all bytes after the length field itself
	ClientID         uint16
	SessionID        uint16
	ProtocolVersion  uint8
	InterfaceVersion uint8
	MessageType      MessageType
	ReturnCode       ReturnCode
}

// Message is a fully decoded SOME/IP message: header plus payload.
type Message struct {
	Header  Header
	Payload []byte
}

// PayloadLength returns the number of payload bytes implied by the header's
// Length field (Length covers request_id..return_code plus payload, i.e.
// everything after the length word itself: 8 fixed bytes + payload).
func (h Header) PayloadLength() (int, bool) {
	if h.Length < 8 {
		return 0, false
	}
	return int(h.Length - 8), true
}

// encodeHeader writes h into the first HeaderSize bytes of dst, which must
// be at least HeaderSize long.
func encodeHeader(dst []byte, h Header) {
	binary.BigEndian.PutUint16(dst[0:2], h.ServiceID)
	binary.BigEndian.PutUint16(dst[2:4], h.MethodID)
	binary.BigEndian.PutUint32(dst[4:8], h.Length)
	binary.BigEndian.PutUint16(dst[8:10], h.ClientID)
	binary.BigEndian.PutUint16(dst[10:12], h.SessionID)
	dst[12] = h.ProtocolVersion
	dst[13] = h.InterfaceVersion
	dst[14] = byte(h.MessageType)
	dst[15] = byte(h.ReturnCode)
}

// decodeHeader reads a Header from the first HeaderSize bytes of src, which
// must be at least HeaderSize long.
func decodeHeader(src []byte) Header {
	return Header{
		ServiceID:        binary.BigEndian.Uint16(src[0:2]),
		MethodID:         binary.BigEndian.Uint16(src[2:4]),
		Length:           binary.BigEndian.Uint32(src[4:8]),
		ClientID:         binary.BigEndian.Uint16(src[8:10]),
		SessionID:        binary.BigEndian.Uint16(src[10:12]),
		ProtocolVersion:  src[12],
		InterfaceVersion: src[13],
		MessageType:      MessageType(src[14]),
		ReturnCode:       ReturnCode(src[15]),
	}
}
