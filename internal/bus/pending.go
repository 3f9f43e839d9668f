package bus

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nivaria/devmoded/internal/hbtimer"
)

// NotifyFunc receives the outcome of an asynchronous method call. On
// success err is nil and reply is the method return; on failure err is
// set and reply is the error message if one arrived, nil otherwise.
// Notify runs on the engine loop.
type NotifyFunc func(reply *dbus.Message, err error)

// PendingCall tracks one in-flight method call. A wakelock is held
// from send until completion so the device cannot suspend while a
// reply is owed, and a heartbeat timer bounds how long that can last.
type PendingCall struct {
	e       *Engine
	serial  uint32
	notify  NotifyFunc
	release func()
	timer   *hbtimer.Timer
	done    bool
}

// SendWithReply sends a method call and registers notify for its
// completion. A timeout of zero uses the engine default. Completion
// happens exactly once: reply, error reply, timeout or cancellation.
func (e *Engine) SendWithReply(msg *dbus.Message, timeout time.Duration, notify NotifyFunc) (*PendingCall, error) {
	serial, release, err := e.tr.SendWithReply(msg)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = e.cfg.ReplyTimeout
	}
	pc := &PendingCall{
		e:       e,
		serial:  serial,
		notify:  notify,
		release: release,
	}
	wlLock(pc.lockName())
	pc.timer = hbtimer.New(pc.lockName()+"_tmo", timeout, func() bool {
		pc.finish(nil, dbus.Error{Name: ErrNameNoReply, Body: []any{"reply timeout"}}, true)
		return false
	}, e.Post)
	pc.timer.Start()
	e.pending[serial] = pc
	return pc, nil
}

// completePending resolves the pending call waiting on serial, if any.
func (e *Engine) completePending(serial uint32, reply *dbus.Message, err error) bool {
	pc, ok := e.pending[serial]
	if !ok {
		return false
	}
	pc.finish(reply, err, true)
	return true
}

// Cancel abandons the call without running its notify callback. Safe
// to call on an already-completed call.
func (pc *PendingCall) Cancel() {
	pc.finish(nil, dbus.Error{Name: ErrNameCancelled, Body: []any{"cancelled"}}, false)
}

func (pc *PendingCall) lockName() string {
	return fmt.Sprintf("devmoded_reply_%d", pc.serial)
}

// finish releases everything the call owns exactly once, then
// optionally fires notify.
func (pc *PendingCall) finish(reply *dbus.Message, err error, fire bool) {
	if pc.done {
		return
	}
	pc.done = true
	delete(pc.e.pending, pc.serial)
	pc.timer.Stop()
	pc.release()
	wlUnlock(pc.lockName())
	if fire && pc.notify != nil {
		pc.notify(reply, err)
	}
}
