// Package hbtimer implements heartbeat timers for code running on an
// event loop. When a timer fires, a wakelock is held from the moment
// of expiry until the notify callback has run on the loop, so the
// device cannot suspend between the wakeup and the work it was meant
// to trigger.
package hbtimer

import (
	"sync"
	"time"

	"github.com/nivaria/devmoded/internal/wakelock"
)

// Timer fires a callback on the owning event loop after a period,
// optionally repeating. All methods are safe to call from any
// goroutine; the notify callback always runs via the post function.
type Timer struct {
	name   string
	notify func() bool
	post   func(func())

	mu     sync.Mutex
	period time.Duration
	timer  *time.Timer
	active bool
	gen    uint64
}

// New returns a stopped timer. The notify callback is posted to the
// event loop via post on every expiry; returning true re-arms the
// timer for another period, returning false leaves it stopped.
func New(name string, period time.Duration, notify func() bool, post func(func())) *Timer {
	return &Timer{
		name:   name,
		period: period,
		notify: notify,
		post:   post,
	}
}

// Name returns the timer's name, which is also its wakelock name.
func (t *Timer) Name() string { return t.name }

// IsActive reports whether the timer is armed.
func (t *Timer) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// SetPeriod changes the period used by the next arm. An already armed
// timer keeps its current deadline.
func (t *Timer) SetPeriod(period time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.period = period
}

// Start arms the timer for one period. Restarting an armed timer
// reschedules it from now.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked()
}

func (t *Timer) startLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.active = true
	t.timer = time.AfterFunc(t.period, func() { t.fire(gen) })
}

// Stop disarms the timer. A fire already in flight is discarded.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.active = false
}

// fireWakelockTimeout bounds the suspend blocker taken at expiry. If
// the event loop has already exited the posted callback never runs, so
// the kernel has to drop the lock on its own.
const fireWakelockTimeout = 60 * time.Second

// Suspend-blocker entry points, swapped in tests where the wakelock
// sysfs interface does not exist.
var (
	wlLockTimeout = wakelock.LockTimeout
	wlUnlock      = wakelock.Unlock
)

// fire runs in the time.AfterFunc goroutine. The wakelock bridges the
// gap until the posted callback has executed on the loop.
func (t *Timer) fire(gen uint64) {
	wlLockTimeout(t.name, int64(fireWakelockTimeout))
	t.post(func() {
		defer wlUnlock(t.name)
		t.mu.Lock()
		if !t.active || gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.active = false
		t.mu.Unlock()

		if t.notify() {
			t.mu.Lock()
			// Re-arm unless Stop or Start raced in meanwhile.
			if gen == t.gen {
				t.startLocked()
			}
			t.mu.Unlock()
		}
	})
}
