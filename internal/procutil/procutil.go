// Package procutil provides helpers for resolving process details via
// the Linux /proc filesystem.
package procutil

import (
	"fmt"
	"os"
	"strings"
)

// cmdlineMax bounds how much of /proc/<pid>/cmdline is read when
// guessing a command line for diagnostics.
const cmdlineMax = 63

// ReadCmdline reads a diagnostic command line for pid from
// /proc/<pid>/cmdline. The result is truncated to a short fixed length
// and argument separators and other control bytes are replaced with
// spaces. Returns "" when the process or the file is gone.
func ReadCmdline(pid int) string {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, cmdlineMax)
	n, _ := f.Read(buf)
	if n <= 0 {
		return ""
	}
	buf = buf[:n]
	for i, b := range buf {
		if b < 0x20 {
			buf[i] = ' '
		}
	}
	return strings.TrimRight(string(buf), " ")
}

// ReadComm reads the process name from /proc/<pid>/comm.
// Returns "" on error.
func ReadComm(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
