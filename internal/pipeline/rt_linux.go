// ABOUTME: Real-time scheduling setup for the cadence thread on Linux
// ABOUTME: Elevates the locked OS thread to SCHED_FIFO via sched_setattr
//go:build linux

package pipeline

import "golang.org/x/sys/unix"

// rtPriority leaves headroom below kernel threads while outranking
// everything CFS schedules.
const rtPriority = 70

// setRealtimeScheduling moves the calling thread to SCHED_FIFO.
// Requires CAP_SYS_NICE, which the privilege drop retains on the main
// thread; on worker threads this is expected to fail and the caller
// logs and continues.
func setRealtimeScheduling() error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: rtPriority,
	}
	return unix.SchedSetAttr(0, &attr, 0)
}
