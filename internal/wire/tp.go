package wire

import (
	"encoding/binary"
	"fmt"

	someiperrors "github.com/someipd/someipd/internal/errors"
)

// TPHeaderSize is the size, in bytes, of the TP (transport-protocol)
// segmentation header that follows the 16-byte SOME/IP header when
// MessageType.IsTP() is true (spec §4.1).
const TPHeaderSize = 4

// tpMoreSegmentsFlag is bit 0 of the 32-bit TP header.
const tpMoreSegmentsFlag = 0x1

// TPHeader carries the byte offset of this segment within the reassembled
// payload and whether more segments follow.
type TPHeader struct {
	Offset       uint32 // byte offset, in 16-byte units per AUTOSAR; stored here in bytes for simplicity of reassembly math
	MoreSegments bool
}

// EncodeTPHeader writes h as the 32-bit big-endian TP header into dst[0:4].
func EncodeTPHeader(dst []byte, h TPHeader) {
	v := h.Offset &^ 0xF // offset occupies the top 28 bits, 16-byte aligned
	if h.MoreSegments {
		v |= tpMoreSegmentsFlag
	}
	binary.BigEndian.PutUint32(dst[0:4], v)
}

// DecodeTPHeader reads a TPHeader from src[0:4].
func DecodeTPHeader(src []byte) TPHeader {
	v := binary.BigEndian.Uint32(src[0:4])
	return TPHeader{
		Offset:       v &^ 0xF,
		MoreSegments: v&tpMoreSegmentsFlag != 0,
	}
}

// Segment splits payload into TP segments no larger than mtu bytes of
// payload each, each segment carrying its TP header. mtu must be a multiple
// of 16 per AUTOSAR TP alignment; the caller (transport layer) is
// responsible for picking an MTU-appropriate value.
func Segment(header Header, payload []byte, mtu int) ([]Message, error) {
	if mtu <= 0 || mtu%16 != 0 {
		return nil, fmt.Errorf("wire: TP segment size %d must be a positive multiple of 16", mtu)
	}

	var segments []Message
	for offset := 0; offset < len(payload) || (offset == 0 && len(payload) == 0); offset += mtu {
		end := offset + mtu
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}

		tpHdr := make([]byte, TPHeaderSize)
		EncodeTPHeader(tpHdr, TPHeader{Offset: uint32(offset), MoreSegments: more})

		segPayload := make([]byte, 0, TPHeaderSize+(end-offset))
		segPayload = append(segPayload, tpHdr...)
		segPayload = append(segPayload, payload[offset:end]...)

		h := header
		h.MessageType = h.MessageType.Base() | tpFlag
		segments = append(segments, Message{Header: h, Payload: segPayload})

		if !more {
			break
		}
	}
	return segments, nil
}

// Reassembler accumulates TP segments for one in-flight large message,
// keyed by the transport layer on (sender, message_id, session) per spec
// §4.2. Fragments are accepted only while offsets are monotonically
// increasing, matching spec's "accepted only while monotonic offsets
// increase" rule.
type Reassembler struct {
	maxSize    int
	buf        []byte
	nextOffset uint32
	done       bool
}

// NewReassembler returns a Reassembler that rejects reassembled messages
// larger than maxSize bytes (configured max_tp_size, spec §6).
func NewReassembler(maxSize int) *Reassembler {
	return &Reassembler{maxSize: maxSize}
}

// AddSegment feeds one TP segment's header + fragment payload into the
// reassembler. It returns (payload, true, nil) once the final segment has
// been received and accepted; otherwise returns (nil, false, nil) while more
// segments are expected, or a CodecError if the segment violates ordering or
// size bounds.
func (r *Reassembler) AddSegment(hdr TPHeader, fragment []byte) ([]byte, bool, error) {
	if r.done {
		return nil, false, &someiperrors.CodecError{
			Kind:      someiperrors.CodecCorrupt,
			Operation: "tp reassemble",
			Details:   "segment received after reassembly already completed",
		}
	}

	if hdr.Offset != r.nextOffset {
		return nil, false, &someiperrors.CodecError{
			Kind:      someiperrors.CodecCorrupt,
			Operation: "tp reassemble",
			Details:   fmt.Sprintf("out-of-order TP segment: got offset %d, want %d", hdr.Offset, r.nextOffset),
		}
	}

	if len(r.buf)+len(fragment) > r.maxSize {
		return nil, false, &someiperrors.CodecError{
			Kind:      someiperrors.CodecCorrupt,
			Operation: "tp reassemble",
			Details:   fmt.Sprintf("reassembled message would exceed max_tp_size %d", r.maxSize),
		}
	}

	r.buf = append(r.buf, fragment...)
	r.nextOffset += uint32(len(fragment))

	if !hdr.MoreSegments {
		r.done = true
		return r.buf, true, nil
	}
	return nil, false, nil
}
