package ipc

import (
	"bytes"
	"testing"
)

func TestFrameCodec_RoundTrip(t *testing.T) {
	codec := NewFrameCodec(4096)

	tests := []Frame{
		{ClientID: 0x0001, Command: RegisterApplication, Payload: EncodeRegisterApplication(RegisterApplicationPayload{EndpointName: "routing"})},
		{ClientID: 0x0002, Command: Ping, Payload: nil},
		{ClientID: 0x0003, Command: Send, Payload: []byte{0xde, 0xad, 0xbe, 0xef}},
	}

	for _, tt := range tests {
		encoded, err := codec.Encode(tt)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}

		got, result, consumed, _, err := codec.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if result != DecodeOK {
			t.Fatalf("Decode() result = %v, want DecodeOK", result)
		}
		if consumed != len(encoded) {
			t.Errorf("consumed = %d, want %d", consumed, len(encoded))
		}
		if got.ClientID != tt.ClientID || got.Command != tt.Command {
			t.Errorf("got = %+v, want %+v", got, tt)
		}
		if !bytes.Equal(got.Payload, tt.Payload) {
			t.Errorf("payload = %x, want %x", got.Payload, tt.Payload)
		}
	}
}

func TestFrameCodec_Decode_Partial(t *testing.T) {
	codec := NewFrameCodec(4096)
	encoded, _ := codec.Encode(Frame{ClientID: 1, Command: Ping, Payload: []byte("hello")})

	for cut := 1; cut < len(encoded); cut++ {
		_, result, _, bytesNeeded, err := codec.Decode(encoded[:cut])
		if err != nil {
			t.Fatalf("cut=%d: unexpected error %v", cut, err)
		}
		if result != DecodePartial {
			t.Fatalf("cut=%d: result = %v, want DecodePartial", cut, result)
		}
		if bytesNeeded <= 0 {
			t.Errorf("cut=%d: bytesNeeded = %d, want > 0", cut, bytesNeeded)
		}
	}
}

func TestFrameCodec_Decode_Corrupt_MissingStartTag(t *testing.T) {
	codec := NewFrameCodec(4096)
	encoded, _ := codec.Encode(Frame{ClientID: 1, Command: Ping})
	encoded[0] ^= 0xff

	_, result, _, _, err := codec.Decode(encoded)
	if result != DecodeCorrupt || err == nil {
		t.Fatalf("Decode() = (%v, %v), want DecodeCorrupt with error", result, err)
	}
}

func TestFrameCodec_Decode_Corrupt_MissingEndTag(t *testing.T) {
	codec := NewFrameCodec(4096)
	encoded, _ := codec.Encode(Frame{ClientID: 1, Command: Ping})
	encoded[len(encoded)-1] ^= 0xff

	_, result, _, _, err := codec.Decode(encoded)
	if result != DecodeCorrupt || err == nil {
		t.Fatalf("Decode() = (%v, %v), want DecodeCorrupt with error", result, err)
	}
}

func TestFrameCodec_Decode_Corrupt_OverMax(t *testing.T) {
	codec := NewFrameCodec(8)
	big, _ := NewFrameCodec(4096).Encode(Frame{ClientID: 1, Command: Send, Payload: make([]byte, 64)})

	_, result, _, _, err := codec.Decode(big)
	if result != DecodeCorrupt || err == nil {
		t.Fatalf("Decode() = (%v, %v), want DecodeCorrupt with error", result, err)
	}
}

func TestFrameCodec_Encode_OverMax(t *testing.T) {
	codec := NewFrameCodec(4)
	if _, err := codec.Encode(Frame{ClientID: 1, Command: Send, Payload: make([]byte, 64)}); err == nil {
		t.Fatal("Encode() error = nil, want overflow error")
	}
}

func TestMessages_RegisterApplication_RoundTrip(t *testing.T) {
	want := RegisterApplicationPayload{RequestedClientID: 0x1234, EndpointName: "example-app"}
	got, err := DecodeRegisterApplication(EncodeRegisterApplication(want))
	if err != nil {
		t.Fatalf("DecodeRegisterApplication() error = %v", err)
	}
	if got != want {
		t.Errorf("got = %+v, want %+v", got, want)
	}
}

func TestMessages_ApplicationInfo_RoundTrip(t *testing.T) {
	want := ApplicationInfoPayload{
		AssignedClientID: 7,
		Peers: []PeerInfo{
			{ClientID: 1, Name: "alpha"},
			{ClientID: 2, Name: "beta"},
		},
	}
	got, err := DecodeApplicationInfo(EncodeApplicationInfo(want))
	if err != nil {
		t.Fatalf("DecodeApplicationInfo() error = %v", err)
	}
	if got.AssignedClientID != want.AssignedClientID || len(got.Peers) != len(want.Peers) {
		t.Fatalf("got = %+v, want %+v", got, want)
	}
	for i := range want.Peers {
		if got.Peers[i] != want.Peers[i] {
			t.Errorf("peer %d = %+v, want %+v", i, got.Peers[i], want.Peers[i])
		}
	}
}

func TestMessages_ApplicationLost_RoundTrip(t *testing.T) {
	want := ApplicationLostPayload{ClientID: 42}
	got, err := DecodeApplicationLost(EncodeApplicationLost(want))
	if err != nil {
		t.Fatalf("DecodeApplicationLost() error = %v", err)
	}
	if got != want {
		t.Errorf("got = %+v, want %+v", got, want)
	}
}

func TestMessages_RoutingState_RoundTrip(t *testing.T) {
	want := RoutingStatePayload{State: 2}
	got, err := DecodeRoutingState(EncodeRoutingState(want))
	if err != nil {
		t.Fatalf("DecodeRoutingState() error = %v", err)
	}
	if got != want {
		t.Errorf("got = %+v, want %+v", got, want)
	}
}
