// ABOUTME: Sine test tone source
// ABOUTME: Generates a 440Hz stereo tone for pipeline bring-up
package source

import (
	"encoding/binary"
	"math"

	"github.com/diretta-av/diretta-renderer-go/internal/audio"
)

const (
	toneRate     = 44100
	toneChannels = 2
)

// Tone generates a continuous sine wave.
type Tone struct {
	frequency   float64
	sampleIndex uint64
}

// NewTone creates a 440Hz test tone source.
func NewTone() *Tone {
	return &Tone{frequency: 440.0}
}

func (t *Tone) Format() audio.Format {
	return audio.Format{Sample: audio.S16LE, SampleRate: toneRate, Channels: toneChannels}
}

func (t *Tone) ReadFrame(dst []byte) (int, error) {
	frames := len(dst) / (2 * toneChannels)

	for i := 0; i < frames; i++ {
		at := float64(t.sampleIndex+uint64(i)) / toneRate
		sample := math.Sin(2 * math.Pi * t.frequency * at)
		pcm := int16(sample * 32767.0 * 0.5)

		// Same value on both channels.
		binary.LittleEndian.PutUint16(dst[i*4:], uint16(pcm))
		binary.LittleEndian.PutUint16(dst[i*4+2:], uint16(pcm))
	}

	t.sampleIndex += uint64(frames)
	return frames * 2 * toneChannels, nil
}

func (t *Tone) Close() error { return nil }
