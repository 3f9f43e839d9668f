package daemon

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// suspendStats reports how long the system has been up and how much of
// that was spent suspended. CLOCK_BOOTTIME keeps counting across
// suspend, CLOCK_MONOTONIC does not; the difference is suspend time.
func suspendStats() (uptimeMS, suspendMS int64, err error) {
	var boot, mono unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &boot); err != nil {
		return 0, 0, fmt.Errorf("reading boottime clock: %w", err)
	}
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return 0, 0, fmt.Errorf("reading monotonic clock: %w", err)
	}
	uptimeMS = boot.Nano() / 1e6
	suspendMS = uptimeMS - mono.Nano()/1e6
	if suspendMS < 0 {
		suspendMS = 0
	}
	return uptimeMS, suspendMS, nil
}
