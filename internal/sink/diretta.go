// ABOUTME: Diretta target sink over UDP
// ABOUTME: Hands packets to a small worker pool holding the pre-bound socket
package sink

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
)

// Diretta transmits packets to a Diretta hardware target. The socket
// is opened at construction, before the process drops privileges; the
// worker goroutines created here keep using it afterwards even though
// they carry no capability bits themselves.
type Diretta struct {
	conn   *net.UDPConn
	pool   *ants.Pool
	bufs   sync.Pool
	log    *slog.Logger
	closed atomic.Bool

	// dropped counts packets the pool refused while saturated; the
	// cadence loop must never block on a slow network.
	dropped atomic.Uint64
}

// NewDiretta resolves the target address, binds the socket and spins
// up the transmit workers.
func NewDiretta(target string, workers int, log *slog.Logger) (*Diretta, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("sink: resolve target %q: %w", target, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("sink: dial target %q: %w", target, err)
	}

	if workers <= 0 {
		workers = 2
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true), ants.WithPreAlloc(true))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sink: worker pool: %w", err)
	}

	s := &Diretta{
		conn: conn,
		pool: pool,
		log:  log,
	}
	s.bufs.New = func() any {
		b := make([]byte, 0, 9000) // jumbo-frame ceiling
		return &b
	}

	log.Info("diretta sink ready", "target", addr.String(), "workers", workers)
	return s, nil
}

// Send copies pkt and queues it to a worker. It never blocks: if every
// worker is busy the packet is dropped and counted.
func (s *Diretta) Send(pkt []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("sink: closed")
	}

	bp := s.bufs.Get().(*[]byte)
	buf := append((*bp)[:0], pkt...)
	*bp = buf

	err := s.pool.Submit(func() {
		if _, werr := s.conn.Write(buf); werr != nil && !s.closed.Load() {
			s.log.Debug("diretta send failed", "error", werr)
		}
		s.bufs.Put(bp)
	})
	if err != nil {
		s.bufs.Put(bp)
		s.dropped.Add(1)
		return fmt.Errorf("sink: transmit workers saturated: %w", err)
	}
	return nil
}

// Dropped returns the number of packets refused by a saturated pool.
func (s *Diretta) Dropped() uint64 { return s.dropped.Load() }

// Close releases the workers and the socket.
func (s *Diretta) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Release()
	return s.conn.Close()
}
