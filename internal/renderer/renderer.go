// ABOUTME: Renderer orchestration and lifecycle
// ABOUTME: Sizes the ring, wires pipeline to sink and runs the worker loops
package renderer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/diretta-av/diretta-renderer-go/internal/audio"
	"github.com/diretta-av/diretta-renderer-go/internal/discovery"
	"github.com/diretta-av/diretta-renderer-go/internal/pipeline"
	"github.com/diretta-av/diretta-renderer-go/internal/privdrop"
	"github.com/diretta-av/diretta-renderer-go/internal/ringbuf"
	"github.com/diretta-av/diretta-renderer-go/internal/sink"
	"github.com/diretta-av/diretta-renderer-go/internal/source"
	"github.com/diretta-av/diretta-renderer-go/internal/statsrv"
)

const (
	// DefaultBufferSeconds of audio at the peak supported rate.
	DefaultBufferSeconds = 10.0
	// MinBufferSeconds below which DSD and hi-res streams under-run.
	MinBufferSeconds = 2.0

	defaultCycleTimeUs = 1000
	// defaultPacketBytes fits one packet in a standard Ethernet MTU.
	defaultPacketBytes = 1408

	discoveryTimeout = 10 * time.Second
)

// Config holds renderer settings resolved at startup.
type Config struct {
	Name          string
	Port          int
	UUID          string
	BufferSeconds float64
	CycleTimeUs   int
	PacketBytes   int
	Gapless       bool
	User          string
	// TargetAddr is the Diretta target; empty means discover via mDNS.
	TargetAddr string
	// StatsAddr enables the diagnostics endpoint when non-empty.
	StatsAddr string
	// Sink overrides the transmit sink; used by dry runs and tests.
	Sink sink.Sink
}

// Renderer owns the audio data path for one process.
type Renderer struct {
	cfg   Config
	log   *slog.Logger
	ring  *ringbuf.Ring
	stats *pipeline.Stats

	producer *pipeline.Producer
	consumer *pipeline.Consumer
	snk      sink.Sink

	cancel  context.CancelFunc
	group   *errgroup.Group
	running atomic.Bool
}

// New validates the configuration and allocates the data path. All
// hot-path memory is allocated here; an allocation failure aborts
// startup.
func New(cfg Config, log *slog.Logger) (*Renderer, error) {
	if cfg.Name == "" {
		cfg.Name = "Diretta Renderer"
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.BufferSeconds == 0 {
		cfg.BufferSeconds = DefaultBufferSeconds
	}
	if cfg.BufferSeconds < MinBufferSeconds {
		log.Warn("buffer below 2 seconds may cause issues with DSD/hi-res",
			"buffer_seconds", cfg.BufferSeconds)
	}
	if cfg.CycleTimeUs == 0 {
		cfg.CycleTimeUs = defaultCycleTimeUs
	}
	if cfg.PacketBytes == 0 {
		cfg.PacketBytes = defaultPacketBytes
	}

	capacity := int(cfg.BufferSeconds * float64(audio.PeakBytesPerSecond()))
	ring, err := ringbuf.New(capacity, audio.PCMSilence)
	if err != nil {
		return nil, fmt.Errorf("renderer: %w", err)
	}

	r := &Renderer{
		cfg:   cfg,
		log:   log,
		ring:  ring,
		stats: &pipeline.Stats{},
	}

	log.Info("data path allocated",
		"uuid", cfg.UUID,
		"requested_bytes", capacity,
		"ring_bytes", ring.Size(),
		"packet_bytes", cfg.PacketBytes,
		"cycle_us", cfg.CycleTimeUs)
	return r, nil
}

// Start opens the transmit sink, drops privileges and launches the
// cadence loop and diagnostics endpoint.
func (r *Renderer) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return fmt.Errorf("renderer: already running")
	}

	snk := r.cfg.Sink
	if snk == nil {
		target := r.cfg.TargetAddr
		if target == "" {
			found, err := r.discoverTarget(ctx)
			if err != nil {
				return err
			}
			target = found
		}
		var err error
		snk, err = sink.NewDiretta(target, 2, r.log)
		if err != nil {
			return err
		}
	}
	r.snk = snk

	// Sockets are bound; now the process can stop being root. Worker
	// goroutines spawned below inherit the sockets but not the
	// capability bits.
	if err := privdrop.Drop(r.cfg.User, r.log); err != nil {
		r.snk.Close()
		return err
	}

	r.consumer = pipeline.NewConsumer(r.ring, snk, r.stats, r.log, pipeline.ConsumerConfig{
		CycleTime:   time.Duration(r.cfg.CycleTimeUs) * time.Microsecond,
		PacketBytes: r.cfg.PacketBytes,
	})
	r.producer = pipeline.NewProducer(r.ring, r.consumer, r.stats, r.log)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	r.group = group

	group.Go(func() error {
		return r.consumer.Run(groupCtx)
	})

	if r.cfg.StatsAddr != "" {
		srv := statsrv.New(r.cfg.StatsAddr, r.probe, r.log)
		group.Go(func() error {
			return srv.Run(groupCtx)
		})
	}

	r.log.Info("renderer started", "name", r.cfg.Name)
	return nil
}

// discoverTarget browses mDNS until a target answers or the timeout
// elapses.
func (r *Renderer) discoverTarget(ctx context.Context) (string, error) {
	r.log.Info("no target configured, browsing for diretta targets")

	mgr := discovery.NewManager(r.log)
	defer mgr.Stop()
	mgr.Browse()

	select {
	case target := <-mgr.Targets():
		return target.Addr(), nil
	case <-time.After(discoveryTimeout):
		return "", fmt.Errorf("renderer: no diretta target found after %v", discoveryTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// probe samples the live pipeline for the diagnostics endpoint.
func (r *Renderer) probe() statsrv.Report {
	state := "idle"
	if r.consumer != nil {
		state = r.consumer.State().String()
	}
	return statsrv.Report{
		Time:      time.Now(),
		State:     state,
		Available: r.ring.Available(),
		RingSize:  r.ring.Size(),
		Counters:  r.stats.Snapshot(),
	}
}

// PlaySource feeds one local source through the pipeline until it is
// exhausted or the context is canceled. The frame buffer is sized to
// roughly 10ms of input so backpressure stays responsive.
func (r *Renderer) PlaySource(ctx context.Context, src source.Source) error {
	format := src.Format()

	current := r.producer.Format()
	if !r.cfg.Gapless || current != format {
		if err := r.producer.SetFormat(ctx, format); err != nil {
			return err
		}
	}

	frameBytes := format.SampleRate * format.Channels * format.Sample.BytesPerSample() / 100
	align := format.Channels * format.Sample.BytesPerSample()
	if frameBytes < align {
		frameBytes = align
	}
	frameBytes -= frameBytes % align
	frame := make([]byte, frameBytes)

	r.log.Info("playback started",
		"format", format.Sample.String(),
		"rate", format.SampleRate,
		"channels", format.Channels)

	r.producer.Start()
	for {
		n, err := src.ReadFrame(frame)
		if n > 0 {
			if werr := r.producer.WriteFrame(ctx, frame[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			r.producer.Finish()
			return err
		}
	}

	r.producer.Finish()
	r.log.Info("playback finished", "pushed_bytes", r.stats.BytesPushed.Load())
	return nil
}

// Producer exposes the push side for an external stream adapter.
func (r *Renderer) Producer() *pipeline.Producer { return r.producer }

// Stats exposes the pipeline counters.
func (r *Renderer) Stats() *pipeline.Stats { return r.stats }

// Running reports whether Start has been called and Stop has not.
func (r *Renderer) Running() bool { return r.running.Load() }

// Stop signals end-of-stream, stops the loops and closes the sink.
func (r *Renderer) Stop() error {
	if !r.running.Swap(false) {
		return nil
	}

	if r.producer != nil {
		r.producer.Finish()
		r.producer.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}

	var err error
	if r.group != nil {
		err = r.group.Wait()
	}
	if r.snk != nil {
		if cerr := r.snk.Close(); err == nil {
			err = cerr
		}
	}

	r.log.Info("renderer stopped")
	return err
}
