// ABOUTME: Hot-path pipeline counters
// ABOUTME: Lock-free statistics surfaced out-of-band for diagnostics
package pipeline

import "sync/atomic"

// Stats collects data-path counters. Hot-path errors never unwind;
// they land here and are read out-of-band by the diagnostics server.
type Stats struct {
	BytesPushed       atomic.Uint64
	BytesPopped       atomic.Uint64
	Underruns         atomic.Uint64
	SilencePackets    atomic.Uint64
	FramesRejected    atomic.Uint64
	SinkErrors        atomic.Uint64
	FormatChanges     atomic.Uint64
	BackpressureWaits atomic.Uint64
	HardFlushes       atomic.Uint64
}

// Snapshot is a plain copy of the counters for serialization.
type Snapshot struct {
	BytesPushed       uint64 `json:"bytes_pushed"`
	BytesPopped       uint64 `json:"bytes_popped"`
	Underruns         uint64 `json:"underruns"`
	SilencePackets    uint64 `json:"silence_packets"`
	FramesRejected    uint64 `json:"frames_rejected"`
	SinkErrors        uint64 `json:"sink_errors"`
	FormatChanges     uint64 `json:"format_changes"`
	BackpressureWaits uint64 `json:"backpressure_waits"`
	HardFlushes       uint64 `json:"hard_flushes"`
}

// Snapshot reads every counter once.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesPushed:       s.BytesPushed.Load(),
		BytesPopped:       s.BytesPopped.Load(),
		Underruns:         s.Underruns.Load(),
		SilencePackets:    s.SilencePackets.Load(),
		FramesRejected:    s.FramesRejected.Load(),
		SinkErrors:        s.SinkErrors.Load(),
		FormatChanges:     s.FormatChanges.Load(),
		BackpressureWaits: s.BackpressureWaits.Load(),
		HardFlushes:       s.HardFlushes.Load(),
	}
}
