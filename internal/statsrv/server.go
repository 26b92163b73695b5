// ABOUTME: Out-of-band diagnostics endpoint
// ABOUTME: Streams pipeline counters to websocket clients once per second
package statsrv

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/diretta-av/diretta-renderer-go/internal/pipeline"
)

// Report is one diagnostics sample pushed to clients.
type Report struct {
	Time      time.Time         `json:"time"`
	State     string            `json:"state"`
	Available int               `json:"ring_available"`
	RingSize  int               `json:"ring_size"`
	Counters  pipeline.Snapshot `json:"counters"`
}

// Probe reads the live pipeline state for a report.
type Probe func() Report

// Server pushes diagnostics over websocket. The hot path never touches
// it; reports are built from the atomic counters on the server's own
// ticker.
type Server struct {
	addr     string
	probe    Probe
	log      *slog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New creates a diagnostics server bound to addr (loopback by
// convention).
func New(addr string, probe Probe, log *slog.Logger) *Server {
	s := &Server{
		addr:  addr,
		probe: probe,
		log:   log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats.json", s.handleOnce)
	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info("diagnostics endpoint listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.httpSrv.Close()
	}()

	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleOnce returns a single JSON report.
func (s *Server) handleOnce(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.probe()); err != nil {
		s.log.Debug("stats encode failed", "error", err)
	}
}

// handleStats upgrades to websocket and streams reports every second.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.log.Debug("diagnostics client connected", "remote", conn.RemoteAddr().String())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(s.probe()); err != nil {
			return
		}
	}
}
