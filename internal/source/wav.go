// ABOUTME: WAV file source
// ABOUTME: Decodes 16/24-bit PCM WAV files into renderer frames
package source

import (
	"fmt"
	"io"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/diretta-av/diretta-renderer-go/internal/audio"
)

// WAV reads PCM frames from a RIFF/WAVE file.
type WAV struct {
	f      *os.File
	dec    *wav.Decoder
	format audio.Format
	intBuf *gaudio.IntBuffer
}

// OpenWAV opens path and validates it carries 16- or 24-bit PCM.
func OpenWAV(path string) (*WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("source: %s is not a valid WAV file", path)
	}

	var sample audio.SampleFormat
	switch dec.BitDepth {
	case 16:
		sample = audio.S16LE
	case 24:
		sample = audio.S24LE
	default:
		f.Close()
		return nil, fmt.Errorf("source: unsupported WAV bit depth %d", dec.BitDepth)
	}

	return &WAV{
		f:   f,
		dec: dec,
		format: audio.Format{
			Sample:     sample,
			SampleRate: int(dec.SampleRate),
			Channels:   int(dec.NumChans),
		},
	}, nil
}

func (w *WAV) Format() audio.Format { return w.format }

// ReadFrame decodes the next chunk of samples into dst.
func (w *WAV) ReadFrame(dst []byte) (int, error) {
	bps := w.format.Sample.BytesPerSample()
	samples := len(dst) / bps
	// Whole interleaved frames only.
	samples -= samples % w.format.Channels
	if samples == 0 {
		return 0, fmt.Errorf("source: frame buffer too small")
	}

	if w.intBuf == nil || len(w.intBuf.Data) != samples {
		w.intBuf = &gaudio.IntBuffer{
			Data: make([]int, samples),
			Format: &gaudio.Format{
				NumChannels: w.format.Channels,
				SampleRate:  w.format.SampleRate,
			},
		}
	}

	n, err := w.dec.PCMBuffer(w.intBuf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}

	for i := 0; i < n; i++ {
		v := w.intBuf.Data[i]
		switch bps {
		case 2:
			dst[i*2+0] = byte(v)
			dst[i*2+1] = byte(v >> 8)
		case 3:
			dst[i*3+0] = byte(v)
			dst[i*3+1] = byte(v >> 8)
			dst[i*3+2] = byte(v >> 16)
		}
	}
	return n * bps, nil
}

func (w *WAV) Close() error {
	return w.f.Close()
}
