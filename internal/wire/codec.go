package wire

import (
	"errors"
	"fmt"

	someiperrors "github.com/someipd/someipd/internal/errors"
)

// ErrBufferOverflow is returned by Encode when the serialized message would
// exceed the configured maximum message size (spec §4.1).
var ErrBufferOverflow = errors.New("wire: buffer overflow: message exceeds max_message_size")

// DecodeResult classifies the outcome of Decode.
type DecodeResult int

const (
	// DecodeOK means msg is valid and complete.
	DecodeOK DecodeResult = iota
	// DecodePartial means src does not yet hold the full header or the full
	// payload; BytesNeeded additional bytes (beyond len(src)) are required.
	DecodePartial
	// DecodeCorrupt means a header field failed validation.
	DecodeCorrupt
)

// Codec encodes and decodes SOME/IP messages subject to a configured maximum
// message size (spec §4.1, §6).
type Codec struct {
	// MaxMessageSize bounds the total encoded size (header + payload) a
	// single message may occupy. Encode fails with BufferOverflow above
	// this; Decode reports DecodeCorrupt above this.
	MaxMessageSize uint32
}

// NewCodec returns a Codec with the given maximum message size.
func NewCodec(maxMessageSize uint32) *Codec {
	return &Codec{MaxMessageSize: maxMessageSize}
}

// Encode serializes msg to wire bytes, filling in Header.Length from
// len(msg.Payload). It fails if the resulting frame would exceed
// c.MaxMessageSize.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	total := HeaderSize + len(msg.Payload)
	if uint32(total) > c.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrBufferOverflow, total, c.MaxMessageSize)
	}

	msg.Header.Length = uint32(8 + len(msg.Payload))

	buf := make([]byte, total)
	encodeHeader(buf, msg.Header)
	copy(buf[HeaderSize:], msg.Payload)
	return buf, nil
}

// Decode attempts to parse one SOME/IP message from the front of src.
//
// Returns (msg, DecodeOK, consumed, 0, nil) on success, where consumed is the
// number of bytes of src the message occupied.
//
// Returns (Message{}, DecodePartial, 0, bytesNeeded, nil) if src holds a
// valid header but not yet the full payload; the caller should read at least
// bytesNeeded more bytes and retry.
//
// Returns (Message{}, DecodeCorrupt, 0, 0, err) if a header field fails
// validation (spec §4.1 edge policies: length < 8, or length exceeding the
// configured maximum).
func (c *Codec) Decode(src []byte) (msg Message, result DecodeResult, consumed int, bytesNeeded int, err error) {
	if len(src) < HeaderSize {
		return Message{}, DecodePartial, 0, HeaderSize - len(src), nil
	}

	h := decodeHeader(src)

	if h.Length < 8 {
		return Message{}, DecodeCorrupt, 0, 0, &someiperrors.CodecError{
			Kind:      someiperrors.CodecCorrupt,
			Operation: "decode header",
			Details:   fmt.Sprintf("length field %d is less than minimum 8", h.Length),
		}
	}

	frameSize := HeaderSize + int(h.Length) - 8
	if uint32(frameSize) > c.MaxMessageSize {
		return Message{}, DecodeCorrupt, 0, 0, &someiperrors.CodecError{
			Kind:      someiperrors.CodecCorrupt,
			Operation: "decode header",
			Details:   fmt.Sprintf("frame of %d bytes exceeds max_message_size %d", frameSize, c.MaxMessageSize),
		}
	}

	if len(src) < frameSize {
		return Message{}, DecodePartial, 0, frameSize - len(src), nil
	}

	payload := make([]byte, frameSize-HeaderSize)
	copy(payload, src[HeaderSize:frameSize])

	return Message{Header: h, Payload: payload}, DecodeOK, frameSize, 0, nil
}
