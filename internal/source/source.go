// ABOUTME: Decoded audio sources feeding the producer adapter
// ABOUTME: Defines the frame-oriented source contract
package source

import "github.com/diretta-av/diretta-renderer-go/internal/audio"

// A Source delivers decoded audio frames in its declared format. It
// stands in for the UPnP media path when the renderer plays local
// files or test signals.
type Source interface {
	// Format describes the frames ReadFrame produces.
	Format() audio.Format
	// ReadFrame fills dst with whole samples and returns the byte
	// count, io.EOF at end of stream. The count always satisfies the
	// format's alignment contract.
	ReadFrame(dst []byte) (int, error)
	Close() error
}
