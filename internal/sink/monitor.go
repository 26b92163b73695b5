// ABOUTME: Local monitor sink playing wire packets through oto
// ABOUTME: Down-converts PCM wire formats to 16-bit for bench listening
package sink

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/diretta-av/diretta-renderer-go/internal/audio"
	"github.com/diretta-av/diretta-renderer-go/internal/ringbuf"
	"github.com/ebitengine/oto/v3"
)

// Monitor plays the wire stream on the local audio device so the
// renderer can be heard without a Diretta target. PCM only; DSD needs
// hardware decode.
type Monitor struct {
	ring   *ringbuf.Ring
	otoCtx *oto.Context
	player *oto.Player
	format audio.Format
	log    *slog.Logger

	// s16 holds the down-converted image of one packet.
	s16 []byte
}

// NewMonitor opens the local audio device for the given stream format.
func NewMonitor(format audio.Format, packetBytes int, log *slog.Logger) (*Monitor, error) {
	if format.IsDSD() {
		return nil, fmt.Errorf("sink: monitor cannot play DSD")
	}

	// Half a second of decoupling between the cadence loop and the
	// sound card.
	ring, err := ringbuf.New(format.SampleRate*format.Channels, audio.PCMSilence)
	if err != nil {
		return nil, err
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	otoCtx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("sink: open audio device: %w", err)
	}
	<-ready

	m := &Monitor{
		ring:   ring,
		otoCtx: otoCtx,
		format: format,
		log:    log,
		s16:    make([]byte, packetBytes),
	}
	m.player = otoCtx.NewPlayer(monitorReader{m})
	m.player.Play()

	log.Info("local monitor enabled",
		"rate", format.SampleRate, "channels", format.Channels)
	return m, nil
}

// Send down-converts one wire packet to S16 and queues it for the
// device. A full ring drops whatever part of the packet does not fit;
// monitoring never backpressures the cadence loop.
func (m *Monitor) Send(pkt []byte) error {
	n := DownconvertS16(m.s16, pkt, m.format)
	m.ring.Push(m.s16[:n])
	return nil
}

// Close stops local playback.
func (m *Monitor) Close() error {
	if m.player != nil {
		m.player.Close()
	}
	m.otoCtx.Suspend()
	return nil
}

// monitorReader feeds the sound card from the decoupling ring,
// substituting silence when the renderer is idle.
type monitorReader struct{ m *Monitor }

func (r monitorReader) Read(p []byte) (int, error) {
	n := r.m.ring.Pop(p)
	if n == 0 {
		for i := range p {
			p[i] = audio.PCMSilence
		}
		return len(p), nil
	}
	return n, nil
}

var _ io.Reader = monitorReader{}

// DownconvertS16 extracts the top 16 bits of each wire sample into
// little-endian int16 frames, returning bytes produced. The wire
// carries the formats the push side emits: 32-bit words for S16/S32
// streams and packed 24-bit for the S24 paths.
func DownconvertS16(dst, src []byte, f audio.Format) int {
	switch f.Sample {
	case audio.S16LE, audio.S32LE:
		// 4-byte words, sample in the upper half.
		n := len(src) / 4
		for i := 0; i < n; i++ {
			dst[i*2+0] = src[i*4+2]
			dst[i*2+1] = src[i*4+3]
		}
		return n * 2
	default:
		// Packed 24-bit.
		n := len(src) / 3
		for i := 0; i < n; i++ {
			dst[i*2+0] = src[i*3+1]
			dst[i*2+1] = src[i*3+2]
		}
		return n * 2
	}
}
