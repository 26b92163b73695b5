// ABOUTME: Root privilege drop retaining network and scheduling capabilities
// ABOUTME: prctl keepcaps, uid/gid switch, then capset on the calling thread
//go:build linux

package privdrop

import (
	"fmt"
	"log/slog"
	"os/user"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// Capabilities the renderer keeps after the uid change: raw and admin
// socket access for the Diretta transport, SYS_NICE for the cadence
// thread's SCHED_FIFO request.
const keptCaps = 1<<unix.CAP_NET_RAW | 1<<unix.CAP_NET_ADMIN | 1<<unix.CAP_SYS_NICE

// Drop switches the process to username while keeping NET_RAW,
// NET_ADMIN and SYS_NICE effective on the calling thread. Must run on
// the main thread after all sockets are bound: keepcaps is per-thread,
// so worker threads created later hold open sockets but no capability
// bits. An empty username or a non-root start is a no-op. A failed
// capset is logged and tolerated.
func Drop(username string, log *slog.Logger) error {
	if username == "" {
		return nil
	}
	if unix.Getuid() != 0 {
		log.Info("not running as root, skipping privilege drop")
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pw, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("privdrop: user %q not found: %w", username, err)
	}
	uid, err := strconv.Atoi(pw.Uid)
	if err != nil {
		return fmt.Errorf("privdrop: bad uid %q: %w", pw.Uid, err)
	}
	gid, err := strconv.Atoi(pw.Gid)
	if err != nil {
		return fmt.Errorf("privdrop: bad gid %q: %w", pw.Gid, err)
	}
	if uid == 0 {
		log.Info("target user is root, nothing to drop", "user", username)
		return nil
	}

	// Permitted capabilities must survive the uid change.
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("privdrop: prctl(PR_SET_KEEPCAPS): %w", err)
	}

	// Groups first, while still root.
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("privdrop: setgid(%d): %w", gid, err)
	}
	groups, err := pw.GroupIds()
	if err == nil {
		gids := make([]int, 0, len(groups))
		for _, g := range groups {
			if id, convErr := strconv.Atoi(g); convErr == nil {
				gids = append(gids, id)
			}
		}
		if err := unix.Setgroups(gids); err != nil {
			return fmt.Errorf("privdrop: setgroups: %w", err)
		}
	}

	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("privdrop: setuid(%d): %w", uid, err)
	}

	if unix.Getuid() == 0 || unix.Geteuid() == 0 {
		return fmt.Errorf("privdrop: still root after setuid")
	}

	// setuid with keepcaps preserves the permitted set but clears the
	// effective set; restore it explicitly.
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	data := [2]unix.CapUserData{{
		Effective: keptCaps,
		Permitted: keptCaps,
	}}
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		// Non-fatal: the renderer keeps running; the cadence thread
		// simply loses its SCHED_FIFO request.
		log.Warn("capset failed, continuing without capabilities", "error", err)
	}

	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 0, 0, 0, 0); err != nil {
		log.Warn("clearing keepcaps failed", "error", err)
	}

	log.Info("dropped privileges", "user", username, "uid", uid, "gid", gid)
	return nil
}
