// ABOUTME: Entry point for the Diretta renderer daemon
// ABOUTME: Parses CLI flags, configures logging and runs the renderer
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/diretta-av/diretta-renderer-go/internal/renderer"
	"github.com/diretta-av/diretta-renderer-go/internal/sink"
	"github.com/diretta-av/diretta-renderer-go/internal/source"
	"github.com/diretta-av/diretta-renderer-go/internal/version"
)

var (
	name        = flag.String("name", "Diretta Renderer", "Renderer friendly name")
	port        = flag.Int("port", 0, "UPnP port (0 = auto)")
	deviceUUID  = flag.String("uuid", "", "Device UUID (default: auto-generated)")
	noGapless   = flag.Bool("no-gapless", false, "Disable gapless playback")
	bufferSecs  = flag.Float64("buffer", renderer.DefaultBufferSeconds, "Buffer size in seconds")
	cycleUs     = flag.Int("cycle-us", 0, "Transmit cycle time in microseconds (333-10000)")
	packetBytes = flag.Int("packet-bytes", 0, "Transmit packet size (0 = MTU default)")
	target      = flag.String("target", "", "Diretta target address (default: mDNS discovery)")
	runAs       = flag.String("user", "", "Drop privileges to this user after startup")
	playFile    = flag.String("play", "", "Play a local WAV/MP3 file and exit")
	playTone    = flag.Bool("tone", false, "Play a test tone instead of network input")
	monitor     = flag.Bool("monitor", false, "Play locally through the sound card (with -play/-tone)")
	statsAddr   = flag.String("stats-addr", "", "Diagnostics endpoint address (e.g. 127.0.0.1:8927)")
	logFile     = flag.String("log-file", "", "Log file path (default: stdout only)")
	verbose     = flag.Bool("verbose", false, "Debug logging")
	quiet       = flag.Bool("quiet", false, "Warnings and errors only")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", version.Product, version.Version)
		return
	}

	logger, closeLog, err := setupLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	logger.Info("starting",
		"product", version.Product,
		"version", version.Version,
		"name", *name,
		"port", *port,
		"gapless", !*noGapless,
		"buffer_seconds", *bufferSecs)

	if err := run(logger); err != nil {
		logger.Error("renderer failed", "error", err)
		os.Exit(1)
	}
}

// setupLogging builds the process-wide logger from the verbosity flags
// and optional log file.
func setupLogging() (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	if *quiet {
		level = slog.LevelWarn
	}

	var w io.Writer = os.Stdout
	closeLog := func() {}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(os.Stdout, f)
		closeLog = func() { _ = f.Close() }
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeLog, nil
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := openSource()
	if err != nil {
		return err
	}

	cfg := renderer.Config{
		Name:          *name,
		Port:          *port,
		UUID:          *deviceUUID,
		BufferSeconds: *bufferSecs,
		CycleTimeUs:   *cycleUs,
		PacketBytes:   *packetBytes,
		Gapless:       !*noGapless,
		User:          *runAs,
		TargetAddr:    *target,
		StatsAddr:     *statsAddr,
	}

	if *monitor {
		if src == nil {
			return fmt.Errorf("-monitor requires -play or -tone")
		}
		pkt := cfg.PacketBytes
		if pkt == 0 {
			pkt = 1408
		}
		m, err := sink.NewMonitor(src.Format(), pkt, logger)
		if err != nil {
			return err
		}
		cfg.Sink = m
	}

	r, err := renderer.New(cfg, logger)
	if err != nil {
		return err
	}

	if err := r.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := r.Stop(); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
	}()

	if src != nil {
		defer src.Close()
		if err := r.PlaySource(ctx, src); err != nil && ctx.Err() == nil {
			return err
		}
		// Let the cadence loop drain what was pushed.
		drainWait(ctx, r)
		return nil
	}

	logger.Info("waiting for control points (press Ctrl+C to stop)")
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// openSource builds the local playback source, if any was requested.
func openSource() (source.Source, error) {
	if *playTone {
		return source.NewTone(), nil
	}
	if *playFile == "" {
		return nil, nil
	}

	switch strings.ToLower(filepath.Ext(*playFile)) {
	case ".wav":
		return source.OpenWAV(*playFile)
	case ".mp3":
		return source.OpenMP3(*playFile)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", *playFile)
	}
}

// drainWait blocks until the cadence loop stops popping (the pop
// counter is unchanged for four 50ms ticks) or the context is canceled.
func drainWait(ctx context.Context, r *renderer.Renderer) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var last uint64
	stable := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			popped := r.Stats().BytesPopped.Load()
			if popped == last {
				stable++
				if stable >= 4 {
					return
				}
			} else {
				stable = 0
				last = popped
			}
		}
	}
}
