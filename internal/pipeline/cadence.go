// ABOUTME: Fixed-cadence consumer loop feeding the transmit sink
// ABOUTME: Tick-driven state machine with silence fill and under-run accounting
package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/diretta-av/diretta-renderer-go/internal/audio"
	"github.com/diretta-av/diretta-renderer-go/internal/ringbuf"
)

// Sink accepts one conversion-ready packet per cadence tick.
type Sink interface {
	Send(pkt []byte) error
}

// State is the cadence loop's stream state.
type State int32

const (
	StateIdle State = iota
	StatePriming
	StateStreaming
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePriming:
		return "priming"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

const (
	// MinCycleTime and MaxCycleTime bound the transmit cadence.
	MinCycleTime = 333 * time.Microsecond
	MaxCycleTime = 10 * time.Millisecond

	defaultUnderrunLimit = 5
)

// ConsumerConfig tunes the cadence loop.
type ConsumerConfig struct {
	// CycleTime is the transmit period; clamped to [333us, 10ms].
	CycleTime time.Duration
	// PacketBytes is popped and sent on every tick.
	PacketBytes int
	// PrimeWatermark is the fill level, in bytes, the ring must reach
	// once before streaming starts. Defaults to half the ring.
	PrimeWatermark int
	// UnderrunLimit is the number of consecutive under-runs that sends
	// the loop back to priming.
	UnderrunLimit int
}

// Consumer is the single real-time thread of the data path. Every
// cycle it pops exactly one packet from the ring and hands it to the
// sink; when the ring is short it emits silence instead. It never
// spins on an empty ring and performs no allocation after New.
type Consumer struct {
	ring  *ringbuf.Ring
	sink  Sink
	stats *Stats
	log   *slog.Logger
	cfg   ConsumerConfig

	state    atomic.Int32
	silence  atomic.Uint32
	flushReq atomic.Bool
	active   atomic.Bool
	eos      atomic.Bool

	// wake is the producer's backpressure release; set by NewProducer.
	wake func()

	packet          []byte
	consecUnderruns int
}

// NewConsumer creates the cadence loop. The packet buffer is the only
// allocation; the hot loop reuses it for every tick.
func NewConsumer(ring *ringbuf.Ring, snk Sink, stats *Stats, log *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.CycleTime < MinCycleTime {
		cfg.CycleTime = MinCycleTime
	}
	if cfg.CycleTime > MaxCycleTime {
		cfg.CycleTime = MaxCycleTime
	}
	if cfg.PacketBytes <= 0 {
		cfg.PacketBytes = 1408
	}
	if cfg.PrimeWatermark <= 0 || cfg.PrimeWatermark > ring.Size()-1 {
		cfg.PrimeWatermark = ring.Size() / 2
	}
	if cfg.UnderrunLimit <= 0 {
		cfg.UnderrunLimit = defaultUnderrunLimit
	}

	c := &Consumer{
		ring:   ring,
		sink:   snk,
		stats:  stats,
		log:    log,
		cfg:    cfg,
		packet: make([]byte, cfg.PacketBytes),
		wake:   func() {},
	}
	c.silence.Store(audio.PCMSilence)
	return c
}

// PacketBytes returns the per-tick transmit size.
func (c *Consumer) PacketBytes() int { return c.cfg.PacketBytes }

// State returns the current stream state.
func (c *Consumer) State() State { return State(c.state.Load()) }

// RequestFlush tells the loop to discard everything in the ring on its
// next tick. Used by the producer when a format transition stalls.
func (c *Consumer) RequestFlush() { c.flushReq.Store(true) }

func (c *Consumer) setSilence(b byte) { c.silence.Store(uint32(b)) }

func (c *Consumer) streamStart() {
	c.eos.Store(false)
	c.active.Store(true)
}

func (c *Consumer) streamEnd() { c.eos.Store(true) }

// Run drives the cadence loop until the context is canceled. It locks
// the goroutine to its OS thread and asks for real-time scheduling;
// losing that request is logged and tolerated.
func (c *Consumer) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := setRealtimeScheduling(); err != nil {
		c.log.Warn("real-time scheduling unavailable", "error", err)
	}

	ticker := time.NewTicker(c.cfg.CycleTime)
	defer ticker.Stop()

	c.log.Info("cadence loop started",
		"cycle", c.cfg.CycleTime, "packet_bytes", c.cfg.PacketBytes,
		"prime_watermark", c.cfg.PrimeWatermark)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick runs one cadence cycle. Tick exposes it without the ticker.
func (c *Consumer) tick() {
	if c.flushReq.Swap(false) {
		c.drainAll()
	}

	switch State(c.state.Load()) {
	case StateIdle:
		if c.active.Load() {
			c.toState(StatePriming)
			c.tickPriming()
		}
	case StatePriming:
		c.tickPriming()
	case StateStreaming:
		c.tickStreaming()
	case StateDraining:
		c.tickDraining()
	}
}

// Tick advances the state machine by one cycle without the ticker.
func (c *Consumer) Tick() { c.tick() }

func (c *Consumer) tickPriming() {
	if c.eos.Load() {
		c.toState(StateDraining)
		c.tickDraining()
		return
	}
	if c.ring.Available() >= c.cfg.PrimeWatermark {
		c.toState(StateStreaming)
		c.tickStreaming()
		return
	}
	c.sendSilence()
}

func (c *Consumer) tickStreaming() {
	n := c.ring.Pop(c.packet)
	if n > 0 {
		c.stats.BytesPopped.Add(uint64(n))
		c.wake()
	}

	if n < len(c.packet) {
		if c.eos.Load() {
			// Final partial packet of the stream: pad and drain out.
			c.fillSilence(c.packet[n:])
			c.send(c.packet)
			c.toState(StateDraining)
			return
		}
		c.fillSilence(c.packet[n:])
		c.stats.Underruns.Add(1)
		c.consecUnderruns++
		if c.consecUnderruns >= c.cfg.UnderrunLimit {
			c.log.Warn("sustained under-run, re-priming",
				"consecutive", c.consecUnderruns)
			c.consecUnderruns = 0
			c.toState(StatePriming)
		}
	} else {
		c.consecUnderruns = 0
	}

	c.send(c.packet)
}

func (c *Consumer) tickDraining() {
	n := c.ring.Pop(c.packet)
	if n == 0 {
		c.active.Store(false)
		c.eos.Store(false)
		c.consecUnderruns = 0
		c.toState(StateIdle)
		return
	}
	c.stats.BytesPopped.Add(uint64(n))
	c.wake()
	c.fillSilence(c.packet[n:])
	c.send(c.packet)
}

func (c *Consumer) sendSilence() {
	c.fillSilence(c.packet)
	c.stats.SilencePackets.Add(1)
	c.send(c.packet)
}

func (c *Consumer) send(pkt []byte) {
	if err := c.sink.Send(pkt); err != nil {
		c.stats.SinkErrors.Add(1)
		c.log.Error("transmit failed", "error", err)
		c.toState(StatePriming)
	}
}

func (c *Consumer) fillSilence(b []byte) {
	fill := byte(c.silence.Load())
	for i := range b {
		b[i] = fill
	}
}

func (c *Consumer) drainAll() {
	for c.ring.Pop(c.packet) > 0 {
	}
	c.wake()
}

func (c *Consumer) toState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("cadence state", "from", old.String(), "to", s.String())
	}
}
