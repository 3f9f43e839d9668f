// Package wakelock manages kernel suspend-blocking wakelocks via the
// /sys/power/wake_lock and /sys/power/wake_unlock interface. On systems
// without that interface every operation is a silent no-op, so callers
// never need to care whether autosleep is in use.
package wakelock

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var (
	lockPath   = "/sys/power/wake_lock"
	unlockPath = "/sys/power/wake_unlock"

	mu        sync.Mutex
	probed    bool
	available bool
	refs      = map[string]int{}
)

// setPaths redirects the sysfs files, for tests.
func setPaths(lock, unlock string) {
	mu.Lock()
	defer mu.Unlock()
	lockPath = lock
	unlockPath = unlock
	probed = false
	refs = map[string]int{}
}

// supported reports whether the wakelock sysfs interface is usable.
// Probed once on first use; callers must hold mu.
func supported() bool {
	if !probed {
		probed = true
		f, err := os.OpenFile(lockPath, os.O_WRONLY, 0)
		if err == nil {
			f.Close()
			available = true
		}
	}
	return available
}

func sysWrite(path, data string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		return err
	}
	return nil
}

// Lock takes a named wakelock. Locks are reference counted per name:
// nested Lock calls need matching Unlock calls before the kernel lock
// is released.
func Lock(name string) {
	mu.Lock()
	defer mu.Unlock()
	if !supported() {
		return
	}
	refs[name]++
	if refs[name] > 1 {
		return
	}
	if err := sysWrite(lockPath, name); err != nil {
		slog.Warn("wakelock acquire failed", "name", name, "error", err)
	}
}

// LockTimeout takes a named wakelock that the kernel drops on its own
// after the given number of nanoseconds, even if Unlock is never
// called. Used as a safety valve around code that might stall.
func LockTimeout(name string, ns int64) {
	mu.Lock()
	defer mu.Unlock()
	if !supported() {
		return
	}
	refs[name]++
	if refs[name] > 1 {
		return
	}
	if err := sysWrite(lockPath, fmt.Sprintf("%s %d", name, ns)); err != nil {
		slog.Warn("wakelock acquire failed", "name", name, "error", err)
	}
}

// Unlock releases one reference to a named wakelock, releasing the
// kernel lock when the count drops to zero. Extra unlocks are ignored.
func Unlock(name string) {
	mu.Lock()
	defer mu.Unlock()
	if !supported() {
		return
	}
	if refs[name] == 0 {
		return
	}
	refs[name]--
	if refs[name] > 0 {
		return
	}
	delete(refs, name)
	if err := sysWrite(unlockPath, name); err != nil {
		slog.Warn("wakelock release failed", "name", name, "error", err)
	}
}
