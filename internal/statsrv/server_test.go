// ABOUTME: Tests for the diagnostics endpoint
// ABOUTME: Verifies JSON snapshots and websocket streaming
package statsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/diretta-av/diretta-renderer-go/internal/pipeline"
)

func testProbe() Report {
	var stats pipeline.Stats
	stats.Underruns.Add(7)
	return Report{
		Time:      time.Now(),
		State:     "streaming",
		Available: 4096,
		RingSize:  1 << 20,
		Counters:  stats.Snapshot(),
	}
}

func startServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr = ln.Addr().String()
	ln.Close()

	srv := New(addr, testProbe, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			t.Errorf("server: %v", err)
		}
	}()

	// Wait for the listener to come up.
	for i := 0; i < 50; i++ {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	return addr, func() {
		cancel()
		<-done
	}
}

func TestStatsJSON(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	resp, err := http.Get(fmt.Sprintf("http://%s/stats.json", addr))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.State != "streaming" {
		t.Errorf("state = %q", report.State)
	}
	if report.Counters.Underruns != 7 {
		t.Errorf("underruns = %d, want 7", report.Counters.Underruns)
	}
}

func TestStatsWebsocket(t *testing.T) {
	if testing.Short() {
		t.Skip("websocket stream test waits for the 1s ticker")
	}

	addr, stop := startServer(t)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/stats", addr), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var report Report
	if err := conn.ReadJSON(&report); err != nil {
		t.Fatal(err)
	}
	if report.RingSize != 1<<20 {
		t.Errorf("ring size = %d", report.RingSize)
	}
}
