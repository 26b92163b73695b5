// ABOUTME: Producer adapter between the decoder and the ring buffer
// ABOUTME: Format-keyed push dispatch, backpressure and format-change draining
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/diretta-av/diretta-renderer-go/internal/audio"
	"github.com/diretta-av/diretta-renderer-go/internal/ringbuf"
)

// ErrInvalidFormat is returned when a frame does not satisfy the
// alignment contract of the active format's converter. The decoder
// must drop the frame.
var ErrInvalidFormat = errors.New("pipeline: frame violates format alignment")

// ErrClosed is returned when the producer has been closed.
var ErrClosed = errors.New("pipeline: producer closed")

// pushFn moves one frame (or a prefix of it) into the ring, returning
// source bytes consumed.
type pushFn func(p *Producer, src []byte) int

// pushTable is the fixed dispatch table keyed by the declared stream
// format. The consumer side is oblivious to the entry used.
var pushTable = map[audio.SampleFormat]pushFn{
	audio.S16LE: func(p *Producer, src []byte) int {
		return p.ring.Push16To32(src)
	},
	audio.S24P32LSB: func(p *Producer, src []byte) int {
		return p.ring.Push24BitPacked(src)
	},
	audio.S24P32MSB: func(p *Producer, src []byte) int {
		return p.ring.Push24BitPackedShifted(src)
	},
	audio.S24LE: func(p *Producer, src []byte) int {
		return p.ring.Push(src)
	},
	audio.S32LE: func(p *Producer, src []byte) int {
		return p.ring.Push(src)
	},
	audio.DSDU8: func(p *Producer, src []byte) int {
		f := p.Format()
		return p.ring.PushDSDPlanar(src, f.Channels, f.DSD)
	},
}

// frameAligned checks the converter alignment contract for the format.
func frameAligned(f audio.Format, n int) bool {
	switch f.Sample {
	case audio.S24P32LSB, audio.S24P32MSB, audio.S32LE:
		return n%4 == 0
	case audio.S16LE:
		return n%2 == 0
	case audio.S24LE:
		return n%3 == 0
	case audio.DSDU8:
		return f.Channels > 0 && n%f.Channels == 0 && (n/f.Channels)%4 == 0
	}
	return false
}

// Producer adapts decoded frames to the ring buffer. One goroutine at
// a time may call WriteFrame; the cadence consumer wakes it after each
// pop so a full ring backpressures the decoder instead of dropping
// audio.
type Producer struct {
	ring     *ringbuf.Ring
	consumer *Consumer
	stats    *Stats
	log      *slog.Logger

	// wakeCh carries one token per consumer pop; a blocked WriteFrame
	// retries once per token, so a full ring costs one retry per
	// cadence tick instead of a spin.
	wakeCh chan struct{}

	mu     sync.Mutex
	format audio.Format

	closeOnce sync.Once
	closedCh  chan struct{}

	// drainTimeout bounds the wait for the ring to empty on a format
	// change before the consumer is told to hard-flush.
	drainTimeout time.Duration
}

// NewProducer wires a producer to the ring and the cadence consumer.
func NewProducer(ring *ringbuf.Ring, consumer *Consumer, stats *Stats, log *slog.Logger) *Producer {
	p := &Producer{
		ring:         ring,
		consumer:     consumer,
		stats:        stats,
		log:          log,
		wakeCh:       make(chan struct{}, 1),
		closedCh:     make(chan struct{}),
		format:       audio.Format{Sample: audio.S16LE, SampleRate: 44100, Channels: 2},
		drainTimeout: 2 * time.Second,
	}
	consumer.wake = p.Wake
	return p
}

// Format returns the active stream format.
func (p *Producer) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Wake releases a producer blocked on backpressure. Called by the
// consumer after every pop and flush; never blocks.
func (p *Producer) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// WriteFrame pushes one decoded frame through the format's push entry.
// It blocks while the ring is full and returns only when the whole
// frame has been consumed, the frame is rejected as misaligned, the
// context is canceled, or the producer is closed. Audio is never
// dropped silently.
func (p *Producer) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-p.closedCh:
		return ErrClosed
	default:
	}

	format := p.Format()
	if !frameAligned(format, len(frame)) {
		p.stats.FramesRejected.Add(1)
		return ErrInvalidFormat
	}
	// DSD frames are pushed whole; one larger than the staging window
	// could never complete.
	if format.Sample == audio.DSDU8 && len(frame) > ringbuf.StagingSize {
		p.stats.FramesRejected.Add(1)
		return ErrInvalidFormat
	}

	entry := pushTable[format.Sample]
	off := 0
	for off < len(frame) {
		n := entry(p, frame[off:])
		if n > 0 {
			p.stats.BytesPushed.Add(uint64(n))
			off += n
			continue
		}

		// Ring full: wait for the consumer to pop.
		p.stats.BackpressureWaits.Add(1)
		if err := p.waitForPop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitForPop blocks until the consumer signals a pop, the context is
// canceled, or the producer is closed.
func (p *Producer) waitForPop(ctx context.Context) error {
	select {
	case <-p.wakeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closedCh:
		return ErrClosed
	}
}

// SetFormat switches the active stream format at a track boundary. It
// waits for the ring to drain below one packet so incompatible
// encodings never mix inside the FIFO; if draining stalls past the
// timeout the consumer is told to hard-flush.
func (p *Producer) SetFormat(ctx context.Context, f audio.Format) error {
	deadline := time.Now().Add(p.drainTimeout)

	for p.ring.Available() >= p.consumer.PacketBytes() {
		if time.Now().After(deadline) {
			p.log.Warn("format transition blocked, forcing flush",
				"available", p.ring.Available())
			p.stats.HardFlushes.Add(1)
			p.consumer.RequestFlush()
			deadline = time.Now().Add(p.drainTimeout)
		}
		// Wake on a pop or at the deadline, so a consumer that is not
		// popping still leads to the flush above.
		select {
		case <-p.wakeCh:
		case <-time.After(time.Until(deadline)):
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closedCh:
			return ErrClosed
		}
	}

	p.mu.Lock()
	old := p.format
	p.format = f
	p.mu.Unlock()

	p.consumer.setSilence(f.SilenceByte())
	p.stats.FormatChanges.Add(1)
	p.log.Info("stream format changed",
		"from", old.Sample.String(), "to", f.Sample.String(),
		"rate", f.SampleRate, "channels", f.Channels)
	return nil
}

// Start marks the beginning of a stream so the consumer leaves Idle.
func (p *Producer) Start() {
	p.consumer.streamStart()
}

// Finish signals end-of-stream; the consumer drains the ring and
// returns to Idle.
func (p *Producer) Finish() {
	p.consumer.streamEnd()
}

// Close releases any blocked WriteFrame caller.
func (p *Producer) Close() {
	p.closeOnce.Do(func() { close(p.closedCh) })
}
