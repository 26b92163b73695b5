// ABOUTME: Privilege drop stub for non-Linux platforms
// ABOUTME: Capability retention is Linux-only; elsewhere this is a no-op
//go:build !linux

package privdrop

import "log/slog"

// Drop is a no-op outside Linux.
func Drop(username string, log *slog.Logger) error {
	if username != "" {
		log.Warn("privilege drop requested but unsupported on this platform")
	}
	return nil
}
