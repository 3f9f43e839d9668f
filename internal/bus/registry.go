package bus

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// HandlerKind classifies what a registration reacts to.
type HandlerKind int

const (
	// HandlerMethodCall handles inbound method calls; first matching
	// registration wins.
	HandlerMethodCall HandlerKind = iota
	// HandlerSignal handles inbound signals; all matching registrations
	// run. A signal registration with a nil callback declares an
	// outbound signal for introspection purposes only.
	HandlerSignal
	// HandlerError handles inbound error messages, matched by error
	// name against the registration member.
	HandlerError
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerMethodCall:
		return "method_call"
	case HandlerSignal:
		return "signal"
	case HandlerError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HandlerFunc is a registered callback. It runs on the engine loop.
type HandlerFunc func(msg *dbus.Message)

// HandlerConfig describes one registration.
type HandlerConfig struct {
	Kind      HandlerKind
	Interface string // empty = wildcard for method calls
	Member    string // method name, signal name or error name
	Rules     string // extra match rules, see checkRules
	Args      string // introspection XML for the member's arguments
	Callback  HandlerFunc
}

// Cookie is an opaque registration handle. The zero Cookie is never a
// valid registration.
type Cookie struct {
	idx uint32
	gen uint32
}

// Valid reports whether c could refer to a registration.
func (c Cookie) Valid() bool { return c.gen != 0 }

// registration is one arena slot's payload. Tombstoned registrations
// stay in the order list with dead set and the payload cleared so an
// in-progress dispatch pass can walk past them safely.
type registration struct {
	cfg    HandlerConfig
	cookie Cookie
	match  string // daemon-side match rule, signal kind only
	dead   bool
}

type slot struct {
	gen uint32
	reg *registration
}

// registry is the ordered handler collection. It is owned by the
// engine loop; no locking.
type registry struct {
	slots []slot
	free  []uint32
	order []*registration
	dirty bool
}

// add validates cfg and stores it, returning the new registration.
func (r *registry) add(cfg HandlerConfig) (*registration, error) {
	switch cfg.Kind {
	case HandlerMethodCall, HandlerSignal:
		if cfg.Member == "" {
			return nil, fmt.Errorf("%s registration requires a member", cfg.Kind)
		}
	case HandlerError:
	default:
		return nil, fmt.Errorf("invalid handler kind %d", int(cfg.Kind))
	}

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}
	s := &r.slots[idx]
	s.gen++
	reg := &registration{
		cfg:    cfg,
		cookie: Cookie{idx: idx, gen: s.gen},
	}
	if cfg.Kind == HandlerSignal && cfg.Callback != nil {
		reg.match = buildMatchString(cfg.Interface, cfg.Member, cfg.Rules)
	}
	s.reg = reg
	r.order = append(r.order, reg)
	return reg, nil
}

// lookup resolves a cookie to its live registration, or nil.
func (r *registry) lookup(c Cookie) *registration {
	if !c.Valid() || int(c.idx) >= len(r.slots) {
		return nil
	}
	s := &r.slots[c.idx]
	if s.gen != c.gen || s.reg == nil || s.reg.dead {
		return nil
	}
	return s.reg
}

// remove tombstones the registration behind c and returns the match
// rule that should be cancelled, if any. Removing an absent handle is
// a programmer error: logged, then ignored.
func (r *registry) remove(c Cookie) (match string, ok bool) {
	reg := r.lookup(c)
	if reg == nil {
		slog.Error("removing unregistered message handler", "cookie", fmt.Sprintf("%d.%d", c.idx, c.gen))
		return "", false
	}
	match = reg.match
	// Clear the payload but keep the order slot so a dispatch pass
	// iterating right now stays structurally valid.
	reg.dead = true
	reg.cfg = HandlerConfig{}
	reg.match = ""
	// Invalidate the cookie immediately; the free list grows at
	// compaction time.
	r.slots[c.idx].gen++
	r.slots[c.idx].reg = nil
	r.dirty = true
	return match, true
}

// compact drops tombstoned entries from the order list, preserving
// relative order. Must only run between dispatch passes.
func (r *registry) compact() {
	if !r.dirty {
		return
	}
	kept := r.order[:0]
	for _, reg := range r.order {
		if reg.dead {
			r.free = append(r.free, reg.cookie.idx)
			continue
		}
		kept = append(kept, reg)
	}
	for i := len(kept); i < len(r.order); i++ {
		r.order[i] = nil
	}
	r.order = kept
	r.dirty = false
}

// removeAll tombstones every live registration, returning the match
// rules to cancel. Used at shutdown.
func (r *registry) removeAll() []string {
	var matches []string
	for _, reg := range r.order {
		if reg.dead {
			continue
		}
		if m, ok := r.remove(reg.cookie); ok && m != "" {
			matches = append(matches, m)
		}
	}
	return matches
}
