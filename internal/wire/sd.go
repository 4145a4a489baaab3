package wire

import (
	"encoding/binary"
	"fmt"

	someiperrors "github.com/someipd/someipd/internal/errors"
)

// SDEntryType enumerates Service Discovery entry kinds (spec §4.5). Note
// that StopOffer and StopSubscribe are not distinct wire types: they are
// OfferService/SubscribeEventgroup entries with ttl == 0.
type SDEntryType uint8

const (
	SDEntryFindService           SDEntryType = 0x00
	SDEntryOfferService          SDEntryType = 0x01
	SDEntrySubscribeEventgroup   SDEntryType = 0x06
	SDEntrySubscribeEventgroupAck SDEntryType = 0x07
)

func (t SDEntryType) String() string {
	switch t {
	case SDEntryFindService:
		return "FindService"
	case SDEntryOfferService:
		return "OfferService"
	case SDEntrySubscribeEventgroup:
		return "SubscribeEventgroup"
	case SDEntrySubscribeEventgroupAck:
		return "SubscribeEventgroupAck"
	default:
		return "Unknown"
	}
}

// SDOptionType enumerates Service Discovery option kinds (spec §4.5).
type SDOptionType uint8

const (
	SDOptionConfiguration        SDOptionType = 0x01
	SDOptionLoadBalancing        SDOptionType = 0x02
	SDOptionIPv4Endpoint         SDOptionType = 0x04
	SDOptionIPv6Endpoint         SDOptionType = 0x06
	SDOptionIPv4MulticastEndpoint SDOptionType = 0x14
	SDOptionIPv6MulticastEndpoint SDOptionType = 0x16
)

// SDProtocol distinguishes TCP vs UDP endpoint options.
type SDProtocol uint8

const (
	SDProtocolTCP SDProtocol = 0x06
	SDProtocolUDP SDProtocol = 0x11
)

// SDHeader is the 12-byte Service Discovery header (spec §4.5). The reboot
// flag is the high bit of Flags: the discovery engine sets it on its first
// multicast after start and clears it from then on; peers treat the flag
// turning on, or an SD-channel session_id falling back to 1 while it is set,
// as a reboot.
type SDHeader struct {
	Flags           uint8
	LengthEntries   uint32
	LengthOptions   uint32
}

const sdRebootFlagBit = 0x80

// SDRebootFlag reports the reboot flag bit of Flags.
func (h SDHeader) SDRebootFlag() bool { return h.Flags&sdRebootFlagBit != 0 }

// SDEntry is one entry in an SD message's entries array.
type SDEntry struct {
	Type              SDEntryType
	ServiceID         uint16
	InstanceID        uint16
	MajorVersion      uint8
	MinorVersion      uint32
	TTL               uint32 // 24-bit on the wire
	EventgroupID      uint16 // valid for Subscribe*/Ack entries
	// Option index/count fields point into the enclosing SDMessage's
	// Options slice; a count of 0 means no option of that run. Each index is
	// encoded as one byte, and on decode index+count must not exceed the
	// number of options.
	Options1Index     int
	Options1Count     int
	Options2Index     int
	Options2Count     int
}

// SDOption is one entry in an SD message's options array.
type SDOption struct {
	Type       SDOptionType
	Address    [16]byte // first 4 bytes valid for IPv4 variants
	IsIPv6     bool
	Port       uint16
	Protocol   SDProtocol
	Data       []byte // Configuration-option key=value payload, raw
}

// SDMessage is a fully decoded Service Discovery datagram payload: the SD
// header plus entries array plus options array. It rides inside a SOME/IP
// message whose service_id/method_id identify it as the SD service
// (0xFFFF/0x8100 per AUTOSAR convention); that envelope is handled by the
// discovery engine, not this package.
type SDMessage struct {
	Header  SDHeader
	Entries []SDEntry
	Options []SDOption
}

// EncodeSD serializes an SDMessage to its wire bytes (header + entries array
// + options array).
func EncodeSD(msg SDMessage) ([]byte, error) {
	entriesBuf := make([]byte, 0, len(msg.Entries)*16)
	for _, e := range msg.Entries {
		entriesBuf = append(entriesBuf, encodeSDEntry(e)...)
	}

	optionsBuf := make([]byte, 0)
	for _, o := range msg.Options {
		optionsBuf = append(optionsBuf, encodeSDOption(o)...)
	}

	out := make([]byte, 12+len(entriesBuf)+len(optionsBuf))
	out[0] = msg.Header.Flags
	// reserved 24 bits stay zero
	binary.BigEndian.PutUint32(out[4:8], uint32(len(entriesBuf)))
	binary.BigEndian.PutUint32(out[8:12], uint32(len(optionsBuf)))
	copy(out[12:], entriesBuf)
	copy(out[12+len(entriesBuf):], optionsBuf)
	return out, nil
}

func encodeSDEntry(e SDEntry) []byte {
	buf := make([]byte, 16)
	buf[0] = byte(e.Type)
	buf[1] = byte(e.Options1Index)
	buf[2] = byte(e.Options2Index)
	buf[3] = byte(e.Options1Count<<4) | byte(e.Options2Count&0x0F)
	binary.BigEndian.PutUint16(buf[4:6], e.ServiceID)
	binary.BigEndian.PutUint16(buf[6:8], e.InstanceID)
	buf[8] = e.MajorVersion
	// 24-bit TTL at buf[9:12]
	buf[9] = byte(e.TTL >> 16)
	buf[10] = byte(e.TTL >> 8)
	buf[11] = byte(e.TTL)
	if e.Type == SDEntrySubscribeEventgroup || e.Type == SDEntrySubscribeEventgroupAck {
		binary.BigEndian.PutUint16(buf[12:14], e.EventgroupID)
		buf[14] = 0
		buf[15] = 0
	} else {
		binary.BigEndian.PutUint32(buf[12:16], e.MinorVersion)
	}
	return buf
}

func encodeSDOption(o SDOption) []byte {
	switch o.Type {
	case SDOptionIPv4Endpoint, SDOptionIPv4MulticastEndpoint:
		buf := make([]byte, 12)
		binary.BigEndian.PutUint16(buf[0:2], 10) // length covers every byte after the length field
		buf[2] = byte(o.Type)
		buf[3] = 0 // reserved
		copy(buf[4:8], o.Address[:4])
		buf[8] = 0 // reserved
		buf[9] = byte(o.Protocol)
		binary.BigEndian.PutUint16(buf[10:12], o.Port)
		return buf
	case SDOptionIPv6Endpoint, SDOptionIPv6MulticastEndpoint:
		buf := make([]byte, 24)
		binary.BigEndian.PutUint16(buf[0:2], 22)
		buf[2] = byte(o.Type)
		buf[3] = 0
		copy(buf[4:20], o.Address[:16])
		buf[20] = 0
		buf[21] = byte(o.Protocol)
		binary.BigEndian.PutUint16(buf[22:24], o.Port)
		return buf
	default:
		buf := make([]byte, 3+len(o.Data))
		binary.BigEndian.PutUint16(buf[0:2], uint16(1+len(o.Data)))
		buf[2] = byte(o.Type)
		copy(buf[3:], o.Data)
		return buf
	}
}

// DecodeSD parses an SD message from src. It returns a CodecError of kind
// CodecCorrupt if the declared entries/options lengths are inconsistent with
// the buffer, or an entry references an out-of-range option slot.
func DecodeSD(src []byte) (SDMessage, error) {
	if len(src) < 12 {
		return SDMessage{}, malformed("sd header", "buffer shorter than 12-byte SD header")
	}

	hdr := SDHeader{
		Flags:         src[0],
		LengthEntries: binary.BigEndian.Uint32(src[4:8]),
		LengthOptions: binary.BigEndian.Uint32(src[8:12]),
	}

	entriesEnd := 12 + int(hdr.LengthEntries)
	optionsEnd := entriesEnd + int(hdr.LengthOptions)
	if entriesEnd > len(src) || optionsEnd > len(src) {
		return SDMessage{}, malformed("sd lengths", "declared entries/options length exceeds buffer")
	}

	options, err := decodeSDOptions(src[entriesEnd:optionsEnd])
	if err != nil {
		return SDMessage{}, err
	}

	entries, err := decodeSDEntries(src[12:entriesEnd], len(options))
	if err != nil {
		return SDMessage{}, err
	}

	return SDMessage{Header: hdr, Entries: entries, Options: options}, nil
}

func decodeSDEntries(src []byte, numOptions int) ([]SDEntry, error) {
	if len(src)%16 != 0 {
		return nil, malformed("sd entries", fmt.Sprintf("entries array length %d is not a multiple of 16", len(src)))
	}

	var entries []SDEntry
	for off := 0; off < len(src); off += 16 {
		b := src[off : off+16]
		e := SDEntry{
			Type:          SDEntryType(b[0]),
			Options1Index: int(b[1]),
			Options2Index: int(b[2]),
			Options1Count: int(b[3] >> 4),
			Options2Count: int(b[3] & 0x0F),
			ServiceID:     binary.BigEndian.Uint16(b[4:6]),
			InstanceID:    binary.BigEndian.Uint16(b[6:8]),
			MajorVersion:  b[8],
			TTL:           uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11]),
		}
		if e.Type == SDEntrySubscribeEventgroup || e.Type == SDEntrySubscribeEventgroupAck {
			e.EventgroupID = binary.BigEndian.Uint16(b[12:14])
		} else {
			e.MinorVersion = binary.BigEndian.Uint32(b[12:16])
		}

		if e.Options1Index+e.Options1Count > numOptions || e.Options2Index+e.Options2Count > numOptions {
			return nil, malformed("sd entry option refs", "entry references an option index past the options array")
		}

		entries = append(entries, e)
	}
	return entries, nil
}

func decodeSDOptions(src []byte) ([]SDOption, error) {
	var options []SDOption
	off := 0
	for off < len(src) {
		if off+3 > len(src) {
			return nil, malformed("sd options", "truncated option header")
		}
		length := int(binary.BigEndian.Uint16(src[off : off+2]))
		optType := SDOptionType(src[off+2])

		total := 2 + length // 2-byte length field + `length` bytes (type byte + payload)
		if off+total > len(src) {
			return nil, malformed("sd options", "option length exceeds remaining buffer")
		}

		switch optType {
		case SDOptionIPv4Endpoint, SDOptionIPv4MulticastEndpoint:
			if total < 12 {
				return nil, malformed("sd options", "IPv4 endpoint option too short")
			}
			var o SDOption
			o.Type = optType
			copy(o.Address[:4], src[off+4:off+8])
			o.Protocol = SDProtocol(src[off+9])
			o.Port = binary.BigEndian.Uint16(src[off+10 : off+12])
			options = append(options, o)
			off += 12
		case SDOptionIPv6Endpoint, SDOptionIPv6MulticastEndpoint:
			if total < 24 {
				return nil, malformed("sd options", "IPv6 endpoint option too short")
			}
			var o SDOption
			o.Type = optType
			o.IsIPv6 = true
			copy(o.Address[:16], src[off+4:off+20])
			o.Protocol = SDProtocol(src[off+21])
			o.Port = binary.BigEndian.Uint16(src[off+22 : off+24])
			options = append(options, o)
			off += 24
		default:
			dataLen := length - 1
			if dataLen < 0 || off+3+dataLen > len(src) {
				return nil, malformed("sd options", "configuration/load-balancing option truncated")
			}
			o := SDOption{Type: optType, Data: append([]byte(nil), src[off+3:off+3+dataLen]...)}
			options = append(options, o)
			off += 3 + dataLen
		}
	}
	return options, nil
}

func malformed(op, details string) error {
	return &someiperrors.CodecError{Kind: someiperrors.CodecCorrupt, Operation: op, Details: details}
}
