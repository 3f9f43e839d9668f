package bus

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// MonitorEntry binds a tracked service name to the registration behind
// its NameOwnerChanged watch.
type MonitorEntry struct {
	Service string
	cookie  Cookie
}

// MonitorList is a caller-owned bounded collection of monitor entries.
// Callers hand the same list to every MonitorAdd/MonitorRemove call
// for one logical group of watched services.
type MonitorList struct {
	entries []*MonitorEntry
}

// Len returns the number of monitored services.
func (l *MonitorList) Len() int { return len(l.entries) }

func (l *MonitorList) find(service string) int {
	for i, ent := range l.entries {
		if ent.Service == service {
			return i
		}
	}
	return -1
}

// MonitorAdd starts watching service for ownership loss. Returns the
// new list size; 0 if the service was already monitored (no-op); -1 if
// the list is at capacity or the watch could not be registered.
//
// The watch only reports future changes, so an asynchronous ownership
// check is fired as well; if it finds the name unowned, a synthetic
// loss signal is fed through dispatch so cb runs through the exact
// same path as for a genuine bus-delivered loss.
func (e *Engine) MonitorAdd(service string, cb HandlerFunc, list *MonitorList, capacity int) int {
	if list.find(service) >= 0 {
		return 0
	}
	if len(list.entries) >= capacity {
		slog.Error("owner monitor list full", "service", service, "capacity", capacity)
		return -1
	}
	cookie, err := e.AddHandler(HandlerConfig{
		Kind:      HandlerSignal,
		Interface: busDaemonInterface,
		Member:    sigNameOwnerChanged,
		Rules:     fmt.Sprintf("arg0='%s',arg2=''", service),
		Callback:  cb,
	})
	if err != nil {
		slog.Error("owner monitor watch failed", "service", service, "error", err)
		return -1
	}
	list.entries = append(list.entries, &MonitorEntry{Service: service, cookie: cookie})
	e.verifyOwner(service)
	return len(list.entries)
}

// MonitorRemove stops watching service. Returns the new list size, or
// -1 if the service was not monitored.
func (e *Engine) MonitorRemove(service string, list *MonitorList) int {
	i := list.find(service)
	if i < 0 {
		return -1
	}
	e.RemoveHandler(list.entries[i].cookie)
	list.entries = append(list.entries[:i], list.entries[i+1:]...)
	return len(list.entries)
}

// MonitorRemoveAll stops every watch in the list. Idempotent.
func (e *Engine) MonitorRemoveAll(list *MonitorList) {
	for _, ent := range list.entries {
		e.RemoveHandler(ent.cookie)
	}
	list.entries = nil
}

// verifyOwner asks the bus daemon whether service currently has an
// owner; if not, a loss event that may have been missed is synthesized.
func (e *Engine) verifyOwner(service string) {
	msg := NewMethodCall(busDaemonName, busDaemonPath, busDaemonInterface, "NameHasOwner", service)
	_, err := e.SendWithReply(msg, 0, func(reply *dbus.Message, err error) {
		owned := false
		switch {
		case err != nil:
			slog.Warn("owner verification failed", "service", service, "error", err)
		case dbus.Store(reply.Body, &owned) != nil:
			slog.Warn("owner verification reply malformed", "service", service)
		}
		if owned {
			return
		}
		slog.Debug("synthesizing owner loss", "service", service)
		syn := NewSignal(busDaemonPath, busDaemonInterface, sigNameOwnerChanged, service, "", "")
		syn.Headers[dbus.FieldSender] = dbus.MakeVariant(busDaemonName)
		e.Feed(syn)
	})
	if err != nil {
		slog.Warn("owner verification send failed", "service", service, "error", err)
	}
}
