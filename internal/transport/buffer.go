package transport

import "sync"

// receiveBufferSize is sized for the largest single UDP datagram a SOME/IP
// endpoint is expected to receive before TP segmentation kicks in.
const receiveBufferSize = 65536

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, receiveBufferSize)
		return &buf
	},
}

// GetBuffer returns a pooled receive buffer, avoiding a fresh allocation on
// every datagram read (mirrors the teacher's buffer-pooling optimization for
// UDP receive).
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns buf to the pool for reuse.
func PutBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}
