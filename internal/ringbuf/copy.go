// ABOUTME: Fixed-shape audio copy primitive
// ABOUTME: Wide unrolled copy with predictable per-call timing
package ringbuf

import "encoding/binary"

// CopyAudioFixed copies len(src) bytes from src to dst. The result is
// identical to copy(dst, src); the difference is shape: the loop is a
// fixed unrolled sequence of 64-byte blocks followed by 8-byte words
// and a scalar tail, so per-call timing stays flat across the packet
// sizes the cadence loop uses. dst must be at least len(src) bytes.
func CopyAudioFixed(dst, src []byte) {
	n := len(src)
	i := 0

	// 64-byte blocks, eight words each.
	for ; i+64 <= n; i += 64 {
		d := dst[i : i+64 : i+64]
		s := src[i : i+64 : i+64]
		binary.LittleEndian.PutUint64(d[0:], binary.LittleEndian.Uint64(s[0:]))
		binary.LittleEndian.PutUint64(d[8:], binary.LittleEndian.Uint64(s[8:]))
		binary.LittleEndian.PutUint64(d[16:], binary.LittleEndian.Uint64(s[16:]))
		binary.LittleEndian.PutUint64(d[24:], binary.LittleEndian.Uint64(s[24:]))
		binary.LittleEndian.PutUint64(d[32:], binary.LittleEndian.Uint64(s[32:]))
		binary.LittleEndian.PutUint64(d[40:], binary.LittleEndian.Uint64(s[40:]))
		binary.LittleEndian.PutUint64(d[48:], binary.LittleEndian.Uint64(s[48:]))
		binary.LittleEndian.PutUint64(d[56:], binary.LittleEndian.Uint64(s[56:]))
	}

	// 8-byte words.
	for ; i+8 <= n; i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], binary.LittleEndian.Uint64(src[i:]))
	}

	// Scalar tail.
	for ; i < n; i++ {
		dst[i] = src[i]
	}
}
