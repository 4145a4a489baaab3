package wire

import (
	"bytes"
	"testing"
)

// TestCodec_RoundTrip verifies decode(encode(m)) == m for representative
// messages (spec §8 round-trip law).
func TestCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "request with payload",
			msg: Message{
				Header: Header{
					ServiceID:        0x1234,
					MethodID:         0x0421,
					ClientID:         0x0001,
					SessionID:        0x0001,
					ProtocolVersion:  ProtocolVersion,
					InterfaceVersion: 1,
					MessageType:      MessageTypeRequest,
					ReturnCode:       EOK,
				},
				Payload: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
			},
		},
		{
			name: "response empty payload",
			msg: Message{
				Header: Header{
					ServiceID:        0x1234,
					MethodID:         0x0421,
					ClientID:         0x0001,
					SessionID:        0x0001,
					ProtocolVersion:  ProtocolVersion,
					InterfaceVersion: 1,
					MessageType:      MessageTypeResponse,
					ReturnCode:       EOK,
				},
			},
		},
		{
			name: "notification, event id",
			msg: Message{
				Header: Header{
					ServiceID:        0x1234,
					MethodID:         EventIDFlag | 0x0001,
					ClientID:         0x0000,
					SessionID:        0x0001,
					ProtocolVersion:  ProtocolVersion,
					InterfaceVersion: 1,
					MessageType:      MessageTypeNotification,
					ReturnCode:       EOK,
				},
				Payload: bytes.Repeat([]byte{0xAB}, 200),
			},
		},
	}

	c := NewCodec(65535)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := c.Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			got, result, consumed, _, err := c.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if result != DecodeOK {
				t.Fatalf("Decode() result = %v, want DecodeOK", result)
			}
			if consumed != len(encoded) {
				t.Errorf("consumed = %d, want %d", consumed, len(encoded))
			}

			wantHeader := tt.msg.Header
			wantHeader.Length = uint32(8 + len(tt.msg.Payload))
			if got.Header != wantHeader {
				t.Errorf("Header = %+v, want %+v", got.Header, wantHeader)
			}
			if !bytes.Equal(got.Payload, tt.msg.Payload) && !(len(got.Payload) == 0 && len(tt.msg.Payload) == 0) {
				t.Errorf("Payload = %v, want %v", got.Payload, tt.msg.Payload)
			}
		})
	}
}

// TestCodec_Decode_Partial verifies that a truncated frame is reported as
// DecodePartial with the correct bytesNeeded (spec §4.1).
func TestCodec_Decode_Partial(t *testing.T) {
	c := NewCodec(65535)
	msg := Message{
		Header: Header{
			ServiceID: 0x1234, MethodID: 0x0421, ClientID: 1, SessionID: 1,
			ProtocolVersion: ProtocolVersion, InterfaceVersion: 1,
			MessageType: MessageTypeRequest, ReturnCode: EOK,
		},
		Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	encoded, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	for cut := 1; cut < len(encoded); cut++ {
		_, result, _, needed, err := c.Decode(encoded[:cut])
		if err != nil {
			t.Fatalf("Decode(%d bytes) error = %v", cut, err)
		}
		if result != DecodePartial {
			t.Errorf("Decode(%d bytes) result = %v, want DecodePartial", cut, result)
		}
		if needed <= 0 {
			t.Errorf("Decode(%d bytes) bytesNeeded = %d, want > 0", cut, needed)
		}
	}
}

// TestCodec_Decode_Corrupt_ShortLength verifies spec §4.1's edge policy:
// length field less than 8 is Corrupt.
func TestCodec_Decode_Corrupt_ShortLength(t *testing.T) {
	c := NewCodec(65535)
	buf := make([]byte, HeaderSize)
	encodeHeader(buf, Header{Length: 4})

	_, result, _, _, err := c.Decode(buf)
	if result != DecodeCorrupt {
		t.Fatalf("result = %v, want DecodeCorrupt", result)
	}
	if err == nil {
		t.Fatal("err = nil, want CodecError")
	}
}

// TestCodec_Decode_Corrupt_OverMax verifies spec §4.1's edge policy: length
// greater than the configured maximum is Corrupt.
func TestCodec_Decode_Corrupt_OverMax(t *testing.T) {
	c := NewCodec(32) // deliberately tiny
	buf := make([]byte, HeaderSize)
	encodeHeader(buf, Header{Length: 1000})

	_, result, _, _, err := c.Decode(buf)
	if result != DecodeCorrupt {
		t.Fatalf("result = %v, want DecodeCorrupt", result)
	}
	if err == nil {
		t.Fatal("err = nil, want CodecError")
	}
}

// TestCodec_Encode_BufferOverflow verifies Encode refuses to serialize a
// message exceeding max_message_size.
func TestCodec_Encode_BufferOverflow(t *testing.T) {
	c := NewCodec(20)
	_, err := c.Encode(Message{Payload: make([]byte, 100)})
	if err == nil {
		t.Fatal("Encode() error = nil, want ErrBufferOverflow")
	}
}

// TestTP_SegmentReassemble verifies reassemble(segment(m, mtu)) == m (spec
// §8 round-trip law for TP).
func TestTP_SegmentReassemble(t *testing.T) {
	header := Header{
		ServiceID: 0x1234, MethodID: 0x0421, ClientID: 1, SessionID: 1,
		ProtocolVersion: ProtocolVersion, InterfaceVersion: 1,
		MessageType: MessageTypeRequest, ReturnCode: EOK,
	}
	payload := bytes.Repeat([]byte{0x42}, 5000)

	segments, err := Segment(header, payload, 1392) // 1392 = 16-aligned UDP-ish mtu
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if len(segments) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segments))
	}

	reasm := NewReassembler(65535)
	var final []byte
	for i, seg := range segments {
		if !seg.Header.MessageType.IsTP() {
			t.Fatalf("segment %d: MessageType.IsTP() = false", i)
		}
		hdr := DecodeTPHeader(seg.Payload[:TPHeaderSize])
		out, done, err := reasm.AddSegment(hdr, seg.Payload[TPHeaderSize:])
		if err != nil {
			t.Fatalf("AddSegment(%d) error = %v", i, err)
		}
		if done {
			final = out
		}
	}

	if !bytes.Equal(final, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d bytes", len(final), len(payload))
	}
}

// TestSD_RoundTrip verifies decode_sd(encode_sd(sd)) == sd (spec §8).
func TestSD_RoundTrip(t *testing.T) {
	msg := SDMessage{
		Header: SDHeader{Flags: sdRebootFlagBit},
		Entries: []SDEntry{
			{
				Type: SDEntryOfferService, ServiceID: 0x1234, InstanceID: 0x5678,
				MajorVersion: 1, MinorVersion: 0, TTL: 3,
				Options1Index: 0, Options1Count: 1,
			},
			{
				Type: SDEntrySubscribeEventgroup, ServiceID: 0x1122, InstanceID: 0x0001,
				MajorVersion: 1, TTL: 3, EventgroupID: 0x1000,
			},
		},
		Options: []SDOption{
			{Type: SDOptionIPv4Endpoint, Address: [16]byte{192, 168, 1, 10}, Protocol: SDProtocolUDP, Port: 30500},
		},
	}

	encoded, err := EncodeSD(msg)
	if err != nil {
		t.Fatalf("EncodeSD() error = %v", err)
	}

	got, err := DecodeSD(encoded)
	if err != nil {
		t.Fatalf("DecodeSD() error = %v", err)
	}

	if len(got.Entries) != len(msg.Entries) {
		t.Fatalf("entries count = %d, want %d", len(got.Entries), len(msg.Entries))
	}
	for i := range msg.Entries {
		if got.Entries[i] != msg.Entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got.Entries[i], msg.Entries[i])
		}
	}
	if len(got.Options) != 1 || got.Options[0].Port != 30500 {
		t.Fatalf("options = %+v, want one IPv4 endpoint option on port 30500", got.Options)
	}
	if !got.Header.SDRebootFlag() {
		t.Error("SDRebootFlag() = false, want true")
	}
}

// TestSD_Decode_Malformed verifies DecodeSD rejects inconsistent sizes
// (spec §4.1 decode_sd Malformed failure).
func TestSD_Decode_Malformed(t *testing.T) {
	buf := make([]byte, 12)
	buf[4], buf[5], buf[6], buf[7] = 0, 0, 0, 200 // entries length overruns buffer

	if _, err := DecodeSD(buf); err == nil {
		t.Fatal("DecodeSD() error = nil, want Malformed error")
	}
}

// TestMagicCookie_FindNextCookie verifies resync scanning locates the next
// client or service cookie boundary (spec §4.1/§4.2 scenario 5).
func TestMagicCookie_FindNextCookie(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xAA}, 25)
	buf := append(append([]byte{}, garbage...), ClientCookie...)

	offset, found := FindNextCookie(buf, 0)
	if !found {
		t.Fatal("FindNextCookie() found = false, want true")
	}
	if offset != len(garbage) {
		t.Errorf("offset = %d, want %d", offset, len(garbage))
	}
	if !IsClientCookie(buf[offset:]) {
		t.Error("IsClientCookie() at resync offset = false, want true")
	}
}
