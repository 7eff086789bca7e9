// Package pool provides byte-buffer pooling for revstore hot paths.
//
// Delta window assembly and fulltext reconstruction churn through short-lived
// buffers; pooling them keeps GC pressure flat during packs and long dumps.
package pool

import (
	"bytes"
	"sync"
)

// windowBufSize matches the typical svndiff window working set.
const windowBufSize = 64 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var byteSlicePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, windowBufSize)
		return &b
	},
}

// GetBuffer returns a reset bytes.Buffer from the pool.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool. Oversized buffers are dropped so
// one huge fulltext does not pin memory forever.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > 4*1024*1024 {
		return
	}
	bufferPool.Put(buf)
}

// GetBytes returns a zero-length byte slice with pooled capacity.
func GetBytes() []byte {
	bp := byteSlicePool.Get().(*[]byte)
	return (*bp)[:0]
}

// PutBytes returns a slice's backing array to the pool.
func PutBytes(b []byte) {
	if cap(b) == 0 || cap(b) > 4*1024*1024 {
		return
	}
	b = b[:0]
	byteSlicePool.Put(&b)
}
