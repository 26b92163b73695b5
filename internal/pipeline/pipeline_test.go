// ABOUTME: Tests for the producer adapter and cadence consumer
// ABOUTME: Drives the state machine tick-by-tick against a recording sink
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/diretta-av/diretta-renderer-go/internal/audio"
	"github.com/diretta-av/diretta-renderer-go/internal/ringbuf"
)

// recordSink captures every packet the cadence loop sends.
type recordSink struct {
	mu      sync.Mutex
	packets [][]byte
	fail    bool
}

func (s *recordSink) Send(pkt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.packets = append(s.packets, append([]byte(nil), pkt...))
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *recordSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.packets) == 0 {
		return nil
	}
	return s.packets[len(s.packets)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newPipeline(t *testing.T, ringSize, packetBytes, watermark int) (*ringbuf.Ring, *Producer, *Consumer, *recordSink, *Stats) {
	t.Helper()
	ring, err := ringbuf.New(ringSize, audio.PCMSilence)
	if err != nil {
		t.Fatal(err)
	}
	snk := &recordSink{}
	stats := &Stats{}
	consumer := NewConsumer(ring, snk, stats, testLogger(), ConsumerConfig{
		CycleTime:      time.Millisecond,
		PacketBytes:    packetBytes,
		PrimeWatermark: watermark,
		UnderrunLimit:  3,
	})
	producer := NewProducer(ring, consumer, stats, testLogger())
	return ring, producer, consumer, snk, stats
}

func TestConsumerIdleUntilStreamStarts(t *testing.T) {
	_, _, consumer, snk, _ := newPipeline(t, 4096, 64, 256)

	for i := 0; i < 5; i++ {
		consumer.Tick()
	}
	if snk.count() != 0 {
		t.Errorf("idle consumer sent %d packets", snk.count())
	}
	if consumer.State() != StateIdle {
		t.Errorf("state = %v, want idle", consumer.State())
	}
}

func TestConsumerPrimesWithSilence(t *testing.T) {
	_, producer, consumer, snk, stats := newPipeline(t, 4096, 64, 256)

	producer.Start()
	consumer.Tick()

	if consumer.State() != StatePriming {
		t.Fatalf("state = %v, want priming", consumer.State())
	}
	if snk.count() != 1 {
		t.Fatalf("sent %d packets, want 1 silence packet", snk.count())
	}
	for _, b := range snk.last() {
		if b != audio.PCMSilence {
			t.Fatal("priming packet is not silence")
		}
	}
	if stats.SilencePackets.Load() != 1 {
		t.Errorf("SilencePackets = %d", stats.SilencePackets.Load())
	}
}

func TestConsumerStreamsAfterWatermark(t *testing.T) {
	_, producer, consumer, snk, _ := newPipeline(t, 4096, 64, 256)

	producer.Start()
	frame := make([]byte, 512)
	for i := range frame {
		frame[i] = byte(i)
	}
	if err := producer.WriteFrame(context.Background(), frame); err != nil {
		t.Fatal(err)
	}

	consumer.Tick()
	if consumer.State() != StateStreaming {
		t.Fatalf("state = %v, want streaming", consumer.State())
	}

	// S16 input is widened 2x on push, so the first popped packet holds
	// the 16->32 wire image of the first 32 input bytes.
	want := make([]byte, 64)
	ringbuf.Convert16To32(want, frame[:32], 16)
	if !bytes.Equal(snk.last(), want) {
		t.Error("first streamed packet does not match wire conversion")
	}
}

func TestConsumerUnderrunEmitsSilenceAndReprimes(t *testing.T) {
	_, producer, consumer, snk, stats := newPipeline(t, 4096, 64, 128)

	producer.Start()
	if err := producer.WriteFrame(context.Background(), make([]byte, 64)); err != nil {
		t.Fatal(err)
	}

	consumer.Tick() // reaches watermark (128 wire bytes), streams packet 1
	if consumer.State() != StateStreaming {
		t.Fatalf("state = %v, want streaming", consumer.State())
	}

	consumer.Tick() // 64 wire bytes left: full packet, fine
	for i := 0; i < 3; i++ {
		consumer.Tick() // empty ring: under-runs
	}

	if got := stats.Underruns.Load(); got != 3 {
		t.Errorf("Underruns = %d, want 3", got)
	}
	for _, b := range snk.last() {
		if b != audio.PCMSilence {
			t.Fatal("under-run packet is not silence")
		}
	}
	if consumer.State() != StatePriming {
		t.Errorf("state = %v, want priming after sustained under-run", consumer.State())
	}
}

func TestConsumerDrainsOnEOS(t *testing.T) {
	_, producer, consumer, snk, _ := newPipeline(t, 4096, 64, 128)

	producer.Start()
	if err := producer.WriteFrame(context.Background(), make([]byte, 128)); err != nil {
		t.Fatal(err)
	}
	consumer.Tick() // streaming, packet 1 (256 wire bytes buffered)
	producer.Finish()

	for i := 0; i < 10 && consumer.State() != StateIdle; i++ {
		consumer.Tick()
	}
	if consumer.State() != StateIdle {
		t.Fatalf("consumer never returned to idle, state = %v", consumer.State())
	}
	// 256 wire bytes at 64 per packet: four data packets.
	if snk.count() < 4 {
		t.Errorf("sent %d packets before idle, want >= 4", snk.count())
	}
}

func TestSinkFailureReprimes(t *testing.T) {
	_, producer, consumer, snk, stats := newPipeline(t, 4096, 64, 128)

	producer.Start()
	if err := producer.WriteFrame(context.Background(), make([]byte, 256)); err != nil {
		t.Fatal(err)
	}
	consumer.Tick()
	if consumer.State() != StateStreaming {
		t.Fatalf("state = %v, want streaming", consumer.State())
	}

	snk.mu.Lock()
	snk.fail = true
	snk.mu.Unlock()

	consumer.Tick()
	if stats.SinkErrors.Load() == 0 {
		t.Error("sink error not counted")
	}
	if consumer.State() != StatePriming {
		t.Errorf("state = %v, want priming after sink failure", consumer.State())
	}
}

func TestProducerBackpressureBlocks(t *testing.T) {
	_, producer, consumer, _, stats := newPipeline(t, 256, 64, 64)
	producer.Start()

	// More input than the ring can hold (S16 doubles on push).
	frame := make([]byte, 1024)
	done := make(chan error, 1)
	go func() {
		done <- producer.WriteFrame(context.Background(), frame)
	}()

	select {
	case err := <-done:
		t.Fatalf("WriteFrame returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if stats.BackpressureWaits.Load() == 0 {
		t.Error("no backpressure wait recorded")
	}

	// Consumer ticks release the producer.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			if stats.BytesPushed.Load() != 1024 {
				t.Errorf("BytesPushed = %d, want 1024", stats.BytesPushed.Load())
			}
			return
		case <-deadline:
			t.Fatal("producer never unblocked")
		default:
			consumer.Tick()
		}
	}
}

func TestProducerRejectsMisalignedFrame(t *testing.T) {
	_, producer, _, _, stats := newPipeline(t, 1024, 64, 128)

	err := producer.WriteFrame(context.Background(), make([]byte, 3))
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
	if stats.FramesRejected.Load() != 1 {
		t.Errorf("FramesRejected = %d", stats.FramesRejected.Load())
	}
}

func TestProducerContextCancelUnblocks(t *testing.T) {
	_, producer, _, _, _ := newPipeline(t, 128, 64, 64)
	producer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- producer.WriteFrame(ctx, make([]byte, 4096))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WriteFrame did not observe cancellation")
	}
}

func TestSetFormatWaitsForDrain(t *testing.T) {
	_, producer, consumer, _, stats := newPipeline(t, 1024, 64, 128)
	producer.Start()

	if err := producer.WriteFrame(context.Background(), make([]byte, 256)); err != nil {
		t.Fatal(err)
	}

	dsd := audio.Format{Sample: audio.DSDU8, SampleRate: 44100 * 64, Channels: 2, DSD: audio.DSDBitReverse}

	done := make(chan error, 1)
	go func() {
		done <- producer.SetFormat(context.Background(), dsd)
	}()

	select {
	case <-done:
		t.Fatal("SetFormat returned before the ring drained")
	case <-time.After(30 * time.Millisecond):
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("SetFormat: %v", err)
			}
			if got := producer.Format(); got.Sample != audio.DSDU8 || got.DSD != audio.DSDBitReverse {
				t.Errorf("format after switch = %+v", got)
			}
			if stats.FormatChanges.Load() != 1 {
				t.Errorf("FormatChanges = %d", stats.FormatChanges.Load())
			}
			return
		case <-deadline:
			t.Fatal("SetFormat never completed")
		default:
			consumer.Tick()
		}
	}
}

func TestRequestFlushDiscardsRing(t *testing.T) {
	ring, producer, consumer, _, _ := newPipeline(t, 1024, 64, 128)
	producer.Start()

	if err := producer.WriteFrame(context.Background(), make([]byte, 256)); err != nil {
		t.Fatal(err)
	}
	if ring.Available() == 0 {
		t.Fatal("ring unexpectedly empty")
	}

	consumer.RequestFlush()
	consumer.Tick()

	if ring.Available() != 0 {
		t.Errorf("ring holds %d bytes after flush", ring.Available())
	}
}

func TestDSDSilenceByteAfterFormatChange(t *testing.T) {
	_, producer, consumer, snk, _ := newPipeline(t, 4096, 64, 256)

	dsd := audio.Format{Sample: audio.DSDU8, SampleRate: 44100 * 64, Channels: 2}
	if err := producer.SetFormat(context.Background(), dsd); err != nil {
		t.Fatal(err)
	}

	producer.Start()
	consumer.Tick() // priming: silence packet

	for _, b := range snk.last() {
		if b != audio.DSDSilence {
			t.Fatalf("DSD priming packet byte = %#02x, want 0x69", b)
		}
	}
}
