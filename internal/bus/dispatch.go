package bus

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/nivaria/devmoded/internal/wakelock"
)

// dispatchWakelock blocks suspend for the duration of one dispatch
// pass. The kernel-side timeout is a safety valve against a handler
// that never returns.
const (
	dispatchWakelock        = "devmoded_dbus_recv"
	dispatchWakelockTimeout = 60 * time.Second
)

// Suspend-blocker entry points, swapped in tests where the wakelock
// sysfs interface does not exist.
var (
	wlLock        = wakelock.Lock
	wlLockTimeout = wakelock.LockTimeout
	wlUnlock      = wakelock.Unlock
)

// dispatch runs one pass over the registry for an inbound method call,
// signal or unsolicited error. Handlers may add or remove
// registrations reentrantly; removals tombstone and additions are not
// seen until the next pass. Compaction runs once the outermost pass
// has finished walking the order list: a handler calling Feed starts a
// nested pass, and compacting there would shorten the list under the
// outer pass's length snapshot.
func (e *Engine) dispatch(msg *dbus.Message) {
	wlLockTimeout(dispatchWakelock, int64(dispatchWakelockTimeout))
	defer wlUnlock(dispatchWakelock)

	e.dispatchDepth++
	defer func() {
		e.dispatchDepth--
		if e.dispatchDepth == 0 {
			e.reg.compact()
		}
	}()

	switch msg.Type {
	case dbus.TypeMethodCall:
		if !e.dispatchMethodCall(msg) {
			e.defaultHandling(msg)
		}
	case dbus.TypeSignal:
		e.dispatchBroadcast(msg, HandlerSignal)
	case dbus.TypeError:
		e.dispatchBroadcast(msg, HandlerError)
	}
}

// matchAttr matches a message attribute against a registration's. An
// empty registration attribute is a wildcard.
func matchAttr(msgVal, regVal string) bool {
	return regVal == "" || msgVal == regVal
}

// dispatchMethodCall invokes the first matching handler in
// registration order. The bus allows at most one reply per call, so
// the scan stops at the first match even when later registrations
// would also match.
func (e *Engine) dispatchMethodCall(msg *dbus.Message) bool {
	n := len(e.reg.order)
	for i := 0; i < n; i++ {
		reg := e.reg.order[i]
		if reg.dead || reg.cfg.Kind != HandlerMethodCall || reg.cfg.Callback == nil {
			continue
		}
		if !matchAttr(MsgInterface(msg), reg.cfg.Interface) || !matchAttr(MsgMember(msg), reg.cfg.Member) {
			continue
		}
		slog.Debug("method call",
			"interface", MsgInterface(msg),
			"member", MsgMember(msg),
			"sender", e.NameOwnerIdent(MsgSender(msg)))
		reg.cfg.Callback(msg)
		return true
	}
	return false
}

// dispatchBroadcast invokes every matching handler in registration
// order. Independent subsystems may listen for the same signal, so the
// scan never stops early.
func (e *Engine) dispatchBroadcast(msg *dbus.Message, kind HandlerKind) {
	n := len(e.reg.order)
	for i := 0; i < n; i++ {
		reg := e.reg.order[i]
		if reg.dead || reg.cfg.Kind != kind || reg.cfg.Callback == nil {
			continue
		}
		switch kind {
		case HandlerSignal:
			if !matchAttr(MsgInterface(msg), reg.cfg.Interface) || !matchAttr(MsgMember(msg), reg.cfg.Member) {
				continue
			}
			if reg.cfg.Rules != "" && !checkRules(msg, reg.cfg.Rules) {
				continue
			}
		case HandlerError:
			if !matchAttr(MsgErrorName(msg), reg.cfg.Member) {
				continue
			}
		}
		reg.cfg.Callback(msg)
	}
}

// defaultHandling answers the peer interface for method calls nothing
// else claimed, and reports anything still unmatched as unknown.
func (e *Engine) defaultHandling(msg *dbus.Message) {
	if MsgInterface(msg) == "org.freedesktop.DBus.Peer" {
		switch MsgMember(msg) {
		case "Ping":
			e.Reply(msg)
			return
		case "GetMachineId":
			e.Reply(msg, machineID())
			return
		}
	}
	slog.Debug("unhandled method call",
		"interface", MsgInterface(msg),
		"member", MsgMember(msg),
		"sender", MsgSender(msg))
	e.ReplyError(msg, ErrNameUnknownMethod,
		"method "+MsgInterface(msg)+"."+MsgMember(msg)+" is not supported")
}

// machineID reads the host machine id, falling back to a random one so
// GetMachineId always has an answer.
func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
