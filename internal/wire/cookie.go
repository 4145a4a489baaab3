package wire

import "bytes"

// ClientCookie and ServiceCookie are the well-known 16-byte Magic Cookie
// frames used to resynchronize a TCP stream after corruption (spec §4.1).
var (
	ClientCookie = []byte{
		0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08,
		0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x01, 0x01, 0x00,
	}
	ServiceCookie = []byte{
		0xFF, 0xFF, 0x80, 0x00, 0x00, 0x00, 0x00, 0x08,
		0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x01, 0x02, 0x00,
	}
)

// IsClientCookie reports whether the first HeaderSize bytes of src are the
// client Magic Cookie frame.
func IsClientCookie(src []byte) bool {
	return len(src) >= HeaderSize && bytes.Equal(src[:HeaderSize], ClientCookie)
}

// IsServiceCookie reports whether the first HeaderSize bytes of src are the
// service Magic Cookie frame.
func IsServiceCookie(src []byte) bool {
	return len(src) >= HeaderSize && bytes.Equal(src[:HeaderSize], ServiceCookie)
}

// FindNextCookie scans src for the next occurrence of either Magic Cookie
// frame, starting at offset start. It returns the byte offset of the cookie
// and true, or (-1, false) if neither cookie appears.
//
// Used by the endpoint's resync logic (spec §4.1/§4.2): on a Corrupt decode
// with cookies enabled, the decoder discards bytes up to the next cookie
// boundary and resumes parsing there.
func FindNextCookie(src []byte, start int) (offset int, found bool) {
	if start < 0 {
		start = 0
	}
	clientIdx := bytes.Index(src[start:], ClientCookie)
	serviceIdx := bytes.Index(src[start:], ServiceCookie)

	switch {
	case clientIdx < 0 && serviceIdx < 0:
		return -1, false
	case clientIdx < 0:
		return start + serviceIdx, true
	case serviceIdx < 0:
		return start + clientIdx, true
	case clientIdx < serviceIdx:
		return start + clientIdx, true
	default:
		return start + serviceIdx, true
	}
}

// CookieDecoder wraps Codec with Magic-Cookie-aware resynchronization for
// TCP streams where cookies are enabled for the service (spec §4.1, §4.2).
type CookieDecoder struct {
	Codec           *Codec
	CookiesEnabled  bool
}

// NewCookieDecoder returns a CookieDecoder over codec with the given cookie
// policy.
func NewCookieDecoder(codec *Codec, cookiesEnabled bool) *CookieDecoder {
	return &CookieDecoder{Codec: codec, CookiesEnabled: cookiesEnabled}
}

// Decode behaves like Codec.Decode, except that on DecodeCorrupt, if cookies
// are enabled, it additionally reports the offset of the next recoverable
// cookie boundary (resyncOffset, resyncFound) so the caller can discard up to
// that point and retry. When cookies are disabled, resyncFound is always
// false and the caller's endpoint should instead reset the connection (spec
// §4.2 "protection against runaway peers").
func (d *CookieDecoder) Decode(src []byte) (msg Message, result DecodeResult, consumed int, bytesNeeded int, resyncOffset int, resyncFound bool, err error) {
	msg, result, consumed, bytesNeeded, err = d.Codec.Decode(src)
	if result != DecodeCorrupt || !d.CookiesEnabled {
		return msg, result, consumed, bytesNeeded, 0, false, err
	}

	off, found := FindNextCookie(src, 1)
	return Message{}, DecodeCorrupt, 0, 0, off, found, err
}
