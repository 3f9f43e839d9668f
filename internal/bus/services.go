package bus

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/nivaria/devmoded/internal/pipeline"
)

// ServiceEntry tracks one essential peer service. Ownership changes
// are projected into the entry's pipe as a ServiceState; an optional
// Notify callback additionally sees the raw owner transition.
type ServiceEntry struct {
	Name   string
	Pipe   *pipeline.Pipe
	Notify func(name, prev, cur string)

	cookie Cookie
	owner  string
	state  pipeline.ServiceState
}

// Owner returns the currently cached owner, "" if none.
func (se *ServiceEntry) Owner() string { return se.owner }

// State returns the current presence state.
func (se *ServiceEntry) State() pipeline.ServiceState { return se.state }

// TrackServices installs presence tracking for a fixed set of
// services. Each gets a NameOwnerChanged watch for future transitions
// plus an immediate ownership query, since a watch alone says nothing
// about services that were already up (or already gone) at startup.
func (e *Engine) TrackServices(entries []*ServiceEntry) error {
	for _, se := range entries {
		cookie, err := e.AddHandler(HandlerConfig{
			Kind:      HandlerSignal,
			Interface: busDaemonInterface,
			Member:    sigNameOwnerChanged,
			Rules:     fmt.Sprintf("arg0='%s'", se.Name),
			Callback:  se.ownerChanged,
		})
		if err != nil {
			return fmt.Errorf("tracking %s: %w", se.Name, err)
		}
		se.cookie = cookie
		e.queryOwner(se)
	}
	return nil
}

// UntrackServices removes the watches installed by TrackServices.
func (e *Engine) UntrackServices(entries []*ServiceEntry) {
	for _, se := range entries {
		if se.cookie.Valid() {
			e.RemoveHandler(se.cookie)
			se.cookie = Cookie{}
		}
	}
}

func (se *ServiceEntry) ownerChanged(msg *dbus.Message) {
	var name, prev, cur string
	if err := dbus.Store(msg.Body, &name, &prev, &cur); err != nil {
		slog.Warn("malformed NameOwnerChanged", "service", se.Name, "error", err)
		return
	}
	se.update(cur)
}

func (e *Engine) queryOwner(se *ServiceEntry) {
	msg := NewMethodCall(busDaemonName, busDaemonPath, busDaemonInterface, "GetNameOwner", se.Name)
	_, err := e.SendWithReply(msg, 0, func(reply *dbus.Message, err error) {
		owner := ""
		if err != nil {
			// Not owned yet is the normal case for most services at
			// boot; anything else is worth a warning.
			var dbusErr dbus.Error
			if !asDBusError(err, &dbusErr) || dbusErr.Name != ErrNameNameHasNoOwner {
				slog.Warn("owner query failed", "service", se.Name, "error", err)
			}
		} else if err := dbus.Store(reply.Body, &owner); err != nil {
			slog.Warn("owner reply malformed", "service", se.Name, "error", err)
			owner = ""
		}
		se.update(owner)
	})
	if err != nil {
		slog.Warn("owner query send failed", "service", se.Name, "error", err)
	}
}

// update applies an observed owner. The projected state can only move
// between STOPPED and RUNNING once the first observation lands; there
// is no way back to UNKNOWN.
func (se *ServiceEntry) update(owner string) {
	prev := se.owner
	if se.state != pipeline.ServiceUnknown && prev == owner {
		return
	}
	se.owner = owner
	if se.Notify != nil {
		se.Notify(se.Name, prev, owner)
	}
	state := pipeline.ServiceStopped
	if owner != "" {
		state = pipeline.ServiceRunning
	}
	if state != se.state {
		se.state = state
		slog.Info("service presence", "service", se.Name, "state", state, "owner", owner)
		if se.Pipe != nil {
			se.Pipe.Exec(state)
		}
	}
}

func asDBusError(err error, out *dbus.Error) bool {
	if e, ok := err.(dbus.Error); ok {
		*out = e
		return true
	}
	return false
}
