package bus

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/nivaria/devmoded/internal/procutil"
)

// identity caches what is known about the process behind a bus name.
// pid is -1 while unresolved, 0 while the query is in flight and the
// real pid once resolved.
type identity struct {
	name   string
	pid    int
	cmd    string
	watch  Cookie
	query  *PendingCall
	doomed bool
}

func (id *identity) String() string {
	cmd := id.cmd
	if cmd == "" {
		cmd = "unknown"
	}
	return fmt.Sprintf("name=%s pid=%d cmd=%s", id.name, id.pid, cmd)
}

// NameOwnerIdent returns a diagnostic "name=X pid=Y cmd=Z" string for
// a bus name. The first use of a name starts asynchronous resolution;
// until it completes the pid and command show as placeholders.
func (e *Engine) NameOwnerIdent(name string) string {
	if name == "" {
		return "name=unknown pid=-1 cmd=unknown"
	}
	id, ok := e.idents[name]
	if !ok {
		id = e.identityCreate(name)
	}
	return id.String()
}

// MessageSenderIdent resolves the identity of a message's sender.
func (e *Engine) MessageSenderIdent(msg *dbus.Message) string {
	return e.NameOwnerIdent(MsgSender(msg))
}

func (e *Engine) identityCreate(name string) *identity {
	id := &identity{name: name, pid: -1}
	e.idents[name] = id

	watch, err := e.AddHandler(HandlerConfig{
		Kind:      HandlerSignal,
		Interface: busDaemonInterface,
		Member:    sigNameOwnerChanged,
		Rules:     fmt.Sprintf("arg0='%s',arg2=''", name),
		Callback:  func(*dbus.Message) { e.identityInvalidate(name) },
	})
	if err != nil {
		slog.Warn("identity watch failed", "name", name, "error", err)
	} else {
		id.watch = watch
	}

	msg := NewMethodCall(busDaemonName, busDaemonPath, busDaemonInterface,
		"GetConnectionUnixProcessID", name)
	query, err := e.SendWithReply(msg, 0, func(reply *dbus.Message, err error) {
		id.query = nil
		if err != nil {
			slog.Debug("pid query failed", "name", name, "error", err)
			id.pid = -1
			return
		}
		var pid uint32
		if err := dbus.Store(reply.Body, &pid); err != nil {
			slog.Debug("pid reply malformed", "name", name, "error", err)
			id.pid = -1
			return
		}
		id.pid = int(pid)
		id.cmd = procutil.ReadCmdline(id.pid)
	})
	if err != nil {
		slog.Debug("pid query send failed", "name", name, "error", err)
		id.pid = -1
	} else {
		id.pid = 0
		id.query = query
	}
	return id
}

// identityInvalidate schedules eviction of a lost name. The removal is
// deferred to the next loop iteration so handlers reacting to the very
// same loss signal in this dispatch pass still see the old identity.
func (e *Engine) identityInvalidate(name string) {
	id, ok := e.idents[name]
	if !ok || id.doomed {
		return
	}
	id.doomed = true
	e.Post(func() {
		if cur, ok := e.idents[name]; ok && cur == id {
			e.identityEvict(name)
		}
	})
}

// identityEvict drops a cache entry and everything it owns.
func (e *Engine) identityEvict(name string) {
	id, ok := e.idents[name]
	if !ok {
		return
	}
	delete(e.idents, name)
	if id.watch.Valid() {
		e.RemoveHandler(id.watch)
	}
	if id.query != nil {
		id.query.Cancel()
		id.query = nil
	}
}
