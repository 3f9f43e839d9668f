package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// Config describes the bus identity the engine claims.
type Config struct {
	// SessionBus connects to the session bus instead of the system bus.
	SessionBus bool
	// Address overrides the bus choice with an explicit address.
	Address string
	// Name is the well-known name to acquire.
	Name string
	// ReplyTimeout bounds pending method calls without an explicit
	// timeout. Zero means a built-in default.
	ReplyTimeout time.Duration

	// Object paths and interfaces served by this connection; used to
	// derive the introspectable object tree.
	RequestPath      dbus.ObjectPath
	SignalPath       dbus.ObjectPath
	RequestInterface string
	SignalInterface  string
}

const defaultReplyTimeout = 25 * time.Second

// fatalf aborts the daemon. A send failure on a live connection means
// the message stream can no longer be trusted to stay in sync, so
// there is nothing useful left to do. Swapped out in tests.
var fatalf = func(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Engine owns the bus connection and runs all dispatch on a single
// goroutine. Methods other than Post and Feed must be called from that
// goroutine (i.e. from handlers, completions or posted functions), or
// before Run starts.
type Engine struct {
	cfg Config
	tr  transport

	msgs    chan *dbus.Message
	reg     registry
	pending map[uint32]*PendingCall
	idents  map[string]*identity
	intro   *introTree

	// dispatchDepth counts nested dispatch passes; the registry is
	// compacted only when the outermost pass exits.
	dispatchDepth int

	postMu sync.Mutex
	postQ  []func()
	postCh chan struct{}
}

// Connect dials the configured bus, claims the well-known name and
// takes over inbound message routing. Run must be called afterwards to
// start dispatching.
func Connect(cfg Config) (*Engine, error) {
	var conn *dbus.Conn
	var err error
	switch {
	case cfg.Address != "":
		conn, err = dbus.Connect(cfg.Address)
	case cfg.SessionBus:
		conn, err = dbus.ConnectSessionBus()
	default:
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}

	reply, err := conn.RequestName(cfg.Name, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("requesting name %s: %w", cfg.Name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("name %s already taken (reply %d)", cfg.Name, reply)
	}

	e := newEngine(cfg, &dbusTransport{conn: conn})
	// From here on every inbound message, replies included, lands in
	// e.msgs and is routed by the engine itself.
	conn.Eavesdrop(e.msgs)
	slog.Info("bus name acquired", "name", cfg.Name)
	return e, nil
}

func newEngine(cfg Config, tr transport) *Engine {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	e := &Engine{
		cfg:     cfg,
		tr:      tr,
		msgs:    make(chan *dbus.Message, 64),
		pending: map[uint32]*PendingCall{},
		idents:  map[string]*identity{},
		postCh:  make(chan struct{}, 1),
	}
	e.intro = newIntroTree(cfg)
	e.registerIntrospectHandler()
	return e
}

// Run dispatches until ctx is cancelled or the connection drops. All
// handlers, completions and posted functions execute here.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.tr.Done():
			return fmt.Errorf("bus connection lost")
		case msg := <-e.msgs:
			e.handleMessage(msg)
		case <-e.postCh:
			e.drainPosted()
		}
	}
}

// Post schedules fn to run on the engine loop. Safe from any
// goroutine; functions run in posting order.
func (e *Engine) Post(fn func()) {
	e.postMu.Lock()
	e.postQ = append(e.postQ, fn)
	e.postMu.Unlock()
	select {
	case e.postCh <- struct{}{}:
	default:
	}
}

func (e *Engine) drainPosted() {
	for {
		e.postMu.Lock()
		q := e.postQ
		e.postQ = nil
		e.postMu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, fn := range q {
			fn()
		}
	}
}

// Feed pushes a message through dispatch exactly as if it had arrived
// from the bus. Used for synthetic owner-loss events. Must be called
// on the engine loop.
func (e *Engine) Feed(msg *dbus.Message) {
	e.handleMessage(msg)
}

// handleMessage routes one inbound message. Replies and errors answer
// pending calls first; everything else goes through dispatch.
func (e *Engine) handleMessage(msg *dbus.Message) {
	switch msg.Type {
	case dbus.TypeMethodReply:
		if !e.completePending(MsgReplySerial(msg), msg, nil) {
			slog.Debug("orphan method reply", "serial", MsgReplySerial(msg))
		}
	case dbus.TypeError:
		err := dbus.Error{Name: MsgErrorName(msg), Body: msg.Body}
		if e.completePending(MsgReplySerial(msg), msg, err) {
			return
		}
		e.dispatch(msg)
	case dbus.TypeMethodCall, dbus.TypeSignal:
		e.dispatch(msg)
	default:
		slog.Debug("ignoring message", "type", int(msg.Type))
	}
}

// AddHandler registers a message handler and, for signal handlers,
// subscribes the corresponding daemon-side match rule.
func (e *Engine) AddHandler(cfg HandlerConfig) (Cookie, error) {
	reg, err := e.reg.add(cfg)
	if err != nil {
		return Cookie{}, fmt.Errorf("adding %s handler %s.%s: %w", cfg.Kind, cfg.Interface, cfg.Member, err)
	}
	if reg.match != "" && e.tr.Connected() {
		e.addMatch(reg.match)
	}
	return reg.cookie, nil
}

// RemoveHandler unregisters a handler. The slot is tombstoned until
// the next compaction, so removal is safe mid-dispatch, including from
// the handler being removed. Removing an absent handle logs and
// no-ops.
func (e *Engine) RemoveHandler(c Cookie) {
	match, ok := e.reg.remove(c)
	if ok && match != "" && e.tr.Connected() {
		e.removeMatch(match)
	}
}

// sendWakelock blocks suspend while an outbound message is handed to
// the transport. The kernel-side timeout is a safety valve against a
// stalled socket write.
const (
	sendWakelock        = "devmoded_dbus_send"
	sendWakelockTimeout = time.Second
)

// send transmits a message built by this engine. Failures on a live
// connection are fatal; failures after disconnect are only logged.
func (e *Engine) send(msg *dbus.Message) {
	wlLockTimeout(sendWakelock, int64(sendWakelockTimeout))
	defer wlUnlock(sendWakelock)
	if _, err := e.tr.Send(msg); err != nil {
		if !e.tr.Connected() {
			slog.Warn("send on closed connection", "error", err)
			return
		}
		fatalf("message send failed: %v", err)
	}
}

// Emit broadcasts a signal from the configured signal path.
func (e *Engine) Emit(member string, args ...any) {
	e.send(NewSignal(e.cfg.SignalPath, e.cfg.SignalInterface, member, args...))
}

// Reply sends a method reply unless the caller opted out of replies.
func (e *Engine) Reply(req *dbus.Message, args ...any) {
	if noReplyExpected(req) {
		return
	}
	e.send(NewMethodReply(req, args...))
}

// ReplyError sends an error reply unless the caller opted out.
func (e *Engine) ReplyError(req *dbus.Message, name, message string) {
	if noReplyExpected(req) {
		return
	}
	e.send(NewErrorReply(req, name, message))
}

// Match rule (un)subscription is fire and forget, matching the
// libdbus convention of passing a null error to bus_add_match.
func (e *Engine) addMatch(match string) {
	slog.Debug("adding match", "rule", match)
	e.send(NewMethodCall(busDaemonName, busDaemonPath, busDaemonInterface, "AddMatch", match))
}

func (e *Engine) removeMatch(match string) {
	slog.Debug("removing match", "rule", match)
	e.send(NewMethodCall(busDaemonName, busDaemonPath, busDaemonInterface, "RemoveMatch", match))
}

// shutdown cancels pending calls, releases identity entries and
// unsubscribes all live matches before closing the connection.
func (e *Engine) shutdown() {
	for _, pc := range e.pending {
		pc.Cancel()
	}
	for name := range e.idents {
		e.identityEvict(name)
	}
	matches := e.reg.removeAll()
	if e.tr.Connected() {
		for _, m := range matches {
			e.removeMatch(m)
		}
	}
	e.reg.compact()
	if err := e.tr.Close(); err != nil {
		slog.Warn("closing bus connection", "error", err)
	}
	slog.Info("bus engine stopped")
}
