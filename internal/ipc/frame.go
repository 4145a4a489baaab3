// Package ipc implements the Local IPC framing and command set of spec §4.3:
// the bidirectional framed byte stream an application uses to attach to the
// routing manager, generalized from the teacher's length-prefixed
// internal/message parsing discipline (a "have we got the whole thing yet"
// Partial/Corrupt split) from DNS message framing to local IPC command
// framing.
package ipc

import (
	"encoding/binary"
	"fmt"

	someiperrors "github.com/someipd/someipd/internal/errors"
)

// startTag, endTag are the fixed byte sequences bracketing every frame
// (spec §4.3).
var (
	startTag = [4]byte{0x67, 0x37, 0x6d, 0x07}
	endTag   = [4]byte{0x07, 0x6d, 0x37, 0x67}
)

// frameOverhead is the number of bytes of fixed framing around a payload:
// START_TAG(4) + client_id(2) + command(1) + payload_size(4) + END_TAG(4).
const frameOverhead = 4 + 2 + 1 + 4 + 4

// Frame is one decoded local IPC message.
type Frame struct {
	ClientID uint16
	Command  Command
	Payload  []byte
}

// DecodeResult classifies the outcome of Decode, mirroring internal/wire's
// Codec.
type DecodeResult int

const (
	DecodeOK DecodeResult = iota
	DecodePartial
	DecodeCorrupt
)

// FrameCodec encodes and decodes local IPC frames subject to a maximum
// payload size.
type FrameCodec struct {
	MaxPayloadSize uint32
}

// NewFrameCodec returns a FrameCodec bounding payloads to maxPayloadSize
// bytes.
func NewFrameCodec(maxPayloadSize uint32) *FrameCodec {
	return &FrameCodec{MaxPayloadSize: maxPayloadSize}
}

// Encode serializes f to wire bytes. payload_size is little-endian per
// spec §4.3's resolved Open Question (the source mixed host- and
// network-endian; this implementation is consistently little-endian).
func (c *FrameCodec) Encode(f Frame) ([]byte, error) {
	if uint32(len(f.Payload)) > c.MaxPayloadSize {
		return nil, &someiperrors.CodecError{
			Kind:      someiperrors.CodecCorrupt,
			Operation: "ipc encode",
			Details:   fmt.Sprintf("payload of %d bytes exceeds max %d", len(f.Payload), c.MaxPayloadSize),
		}
	}

	buf := make([]byte, frameOverhead+len(f.Payload))
	copy(buf[0:4], startTag[:])
	binary.LittleEndian.PutUint16(buf[4:6], f.ClientID)
	buf[6] = byte(f.Command)
	binary.LittleEndian.PutUint32(buf[7:11], uint32(len(f.Payload)))
	copy(buf[11:11+len(f.Payload)], f.Payload)
	copy(buf[11+len(f.Payload):], endTag[:])
	return buf, nil
}

// Decode attempts to parse one frame from the front of src, following the
// same OK/Partial/Corrupt discipline as internal/wire.Codec.Decode.
func (c *FrameCodec) Decode(src []byte) (f Frame, result DecodeResult, consumed int, bytesNeeded int, err error) {
	if len(src) < 11 {
		return Frame{}, DecodePartial, 0, 11 - len(src), nil
	}
	if [4]byte(src[0:4]) != startTag {
		return Frame{}, DecodeCorrupt, 0, 0, &someiperrors.CodecError{
			Kind:      someiperrors.CodecCorrupt,
			Operation: "ipc decode",
			Details:   "missing START_TAG",
		}
	}

	clientID := binary.LittleEndian.Uint16(src[4:6])
	cmd := Command(src[6])
	payloadSize := binary.LittleEndian.Uint32(src[7:11])

	if payloadSize > c.MaxPayloadSize {
		return Frame{}, DecodeCorrupt, 0, 0, &someiperrors.CodecError{
			Kind:      someiperrors.CodecCorrupt,
			Operation: "ipc decode",
			Details:   fmt.Sprintf("payload_size %d exceeds max %d", payloadSize, c.MaxPayloadSize),
		}
	}

	total := frameOverhead + int(payloadSize)
	if len(src) < total {
		return Frame{}, DecodePartial, 0, total - len(src), nil
	}

	payload := make([]byte, payloadSize)
	copy(payload, src[11:11+payloadSize])

	tagStart := 11 + int(payloadSize)
	if [4]byte(src[tagStart:tagStart+4]) != endTag {
		return Frame{}, DecodeCorrupt, 0, 0, &someiperrors.CodecError{
			Kind:      someiperrors.CodecCorrupt,
			Operation: "ipc decode",
			Details:   "missing END_TAG",
		}
	}

	return Frame{ClientID: clientID, Command: cmd, Payload: payload}, DecodeOK, total, 0, nil
}
