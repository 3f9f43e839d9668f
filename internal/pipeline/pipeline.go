// Package pipeline provides the event pipes that decouple producers of
// device state from the policy modules that react to it. A Pipe holds
// the last value pushed through it and fans each new value out to its
// subscribers in subscription order.
package pipeline

import "log/slog"

// ServiceState describes the availability of a tracked D-Bus service.
type ServiceState int

const (
	// ServiceUnknown is the initial state before the first probe result.
	ServiceUnknown ServiceState = iota
	// ServiceStopped means the service currently has no owner on the bus.
	ServiceStopped
	// ServiceRunning means the service name is currently owned.
	ServiceRunning
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStopped:
		return "stopped"
	case ServiceRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Pipe is a named single-value event channel. It is not safe for
// concurrent use; all pipes are owned by the daemon event loop.
type Pipe struct {
	name   string
	cached any
	subs   []func(any)
}

// New returns a pipe with the given name and initial cached value.
func New(name string, initial any) *Pipe {
	return &Pipe{name: name, cached: initial}
}

// Name returns the pipe's name.
func (p *Pipe) Name() string { return p.name }

// Cached returns the last value executed through the pipe.
func (p *Pipe) Cached() any { return p.cached }

// Subscribe adds fn to the pipe's output. Subscribers run in
// subscription order on every Exec.
func (p *Pipe) Subscribe(fn func(any)) {
	p.subs = append(p.subs, fn)
}

// Exec caches v and delivers it to all subscribers.
func (p *Pipe) Exec(v any) {
	p.cached = v
	slog.Debug("pipe exec", "pipe", p.name, "value", v)
	for _, fn := range p.subs {
		fn(v)
	}
}
