package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// transport abstracts the raw message connection so the engine can be
// tested without a bus daemon.
type transport interface {
	// Send queues msg and returns its serial. No reply is tracked;
	// method calls sent through here must carry FlagNoReplyExpected.
	Send(msg *dbus.Message) (uint32, error)
	// SendWithReply queues a reply-expecting method call and returns
	// its serial plus a release function that must be called exactly
	// once when the engine is done with the call.
	SendWithReply(msg *dbus.Message) (serial uint32, release func(), err error)
	// Connected reports whether the connection is still live.
	Connected() bool
	// Done is closed when the connection goes away.
	Done() <-chan struct{}
	Close() error
}

var errNotConnected = errors.New("bus connection is closed")

// dbusTransport adapts a godbus connection. Inbound traffic is routed
// through conn.Eavesdrop, which bypasses the binding's own call
// tracking; reply-expecting sends therefore go out with a cancellable
// context so the binding's per-call bookkeeping is torn down when the
// engine completes or abandons the call.
type dbusTransport struct {
	conn *dbus.Conn
}

func (t *dbusTransport) Send(msg *dbus.Message) (uint32, error) {
	if msg.Type == dbus.TypeMethodCall {
		msg.Flags |= dbus.FlagNoReplyExpected
	}
	call := t.conn.Send(msg, nil)
	if call != nil && call.Err != nil {
		return 0, fmt.Errorf("sending message: %w", call.Err)
	}
	return msg.Serial(), nil
}

func (t *dbusTransport) SendWithReply(msg *dbus.Message) (uint32, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan *dbus.Call, 1)
	call := t.conn.SendWithContext(ctx, msg, ch)
	if call != nil && call.Err != nil && !errors.Is(call.Err, context.Canceled) {
		cancel()
		return 0, nil, fmt.Errorf("sending method call: %w", call.Err)
	}
	return msg.Serial(), cancel, nil
}

func (t *dbusTransport) Connected() bool {
	return t.conn.Context().Err() == nil
}

func (t *dbusTransport) Done() <-chan struct{} {
	return t.conn.Context().Done()
}

func (t *dbusTransport) Close() error {
	return t.conn.Close()
}
