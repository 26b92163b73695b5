// ABOUTME: MP3 file source
// ABOUTME: Decodes MP3 to 16-bit stereo PCM frames
package source

import (
	"fmt"
	"os"

	"github.com/hajimehoshi/go-mp3"

	"github.com/diretta-av/diretta-renderer-go/internal/audio"
)

// MP3 reads decoded PCM frames from an MP3 file. go-mp3 always emits
// 16-bit little-endian stereo.
type MP3 struct {
	f      *os.File
	dec    *mp3.Decoder
	format audio.Format
}

// OpenMP3 opens path and prepares the decoder.
func OpenMP3(path string) (*MP3, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("source: decode %s: %w", path, err)
	}

	return &MP3{
		f:   f,
		dec: dec,
		format: audio.Format{
			Sample:     audio.S16LE,
			SampleRate: dec.SampleRate(),
			Channels:   2,
		},
	}, nil
}

func (m *MP3) Format() audio.Format { return m.format }

// ReadFrame reads decoded bytes, trimmed to whole stereo samples.
func (m *MP3) ReadFrame(dst []byte) (int, error) {
	n, err := m.dec.Read(dst)
	n -= n % 4
	if n > 0 {
		return n, nil
	}
	return 0, err
}

func (m *MP3) Close() error {
	return m.f.Close()
}
