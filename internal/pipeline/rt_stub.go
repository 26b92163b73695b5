// ABOUTME: Real-time scheduling stub for non-Linux platforms
// ABOUTME: Reports the capability as unavailable
//go:build !linux

package pipeline

import (
	"fmt"
	"runtime"
)

func setRealtimeScheduling() error {
	return fmt.Errorf("real-time scheduling not supported on %s", runtime.GOOS)
}
