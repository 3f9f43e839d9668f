package bus

import (
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestMethodCallFirstMatch(t *testing.T) {
	e, tr := newTestEngine(t)

	called := 0
	addMethod(t, e, "get_version", func(msg *dbus.Message) {
		called++
		e.Reply(msg, "1.0.0")
	})

	e.dispatch(makeCall("/org/devmoded/request", "org.devmoded.request", "get_version"))
	if called != 1 {
		t.Fatalf("handler called %d times", called)
	}
	reply := tr.lastSent(t)
	if reply.Type != dbus.TypeMethodReply || reply.Body[0] != "1.0.0" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestMethodCallWildcardInterface(t *testing.T) {
	e, _ := newTestEngine(t)

	called := 0
	_, err := e.AddHandler(HandlerConfig{
		Kind:     HandlerMethodCall,
		Member:   "get_version", // any interface
		Callback: func(*dbus.Message) { called++ },
	})
	if err != nil {
		t.Fatal(err)
	}

	e.dispatch(makeCall("/org/devmoded/request", "com.other.iface", "get_version"))
	e.dispatch(makeCall("/org/devmoded/request", "", "get_version"))
	if called != 2 {
		t.Errorf("wildcard handler called %d times, want 2", called)
	}
}

func TestUnmatchedMethodCallDefaults(t *testing.T) {
	e, tr := newTestEngine(t)

	e.dispatch(makeCall("/", "org.freedesktop.DBus.Peer", "Ping"))
	if reply := tr.lastSent(t); reply.Type != dbus.TypeMethodReply || len(reply.Body) != 0 {
		t.Errorf("Ping reply = %+v", reply)
	}

	e.dispatch(makeCall("/", "org.freedesktop.DBus.Peer", "GetMachineId"))
	reply := tr.lastSent(t)
	if reply.Type != dbus.TypeMethodReply {
		t.Fatalf("GetMachineId reply type = %d", reply.Type)
	}
	if id, ok := reply.Body[0].(string); !ok || id == "" {
		t.Errorf("GetMachineId returned %v", reply.Body)
	}

	e.dispatch(makeCall("/", "com.nobody.home", "missing_method"))
	errReply := tr.lastSent(t)
	if errReply.Type != dbus.TypeError || MsgErrorName(errReply) != ErrNameUnknownMethod {
		t.Errorf("unmatched call reply = %+v", errReply)
	}
}

func TestNoReplyExpectedSuppressesReplies(t *testing.T) {
	e, tr := newTestEngine(t)

	msg := makeCall("/", "com.nobody.home", "missing_method")
	msg.Flags |= dbus.FlagNoReplyExpected
	before := len(tr.sent)
	e.dispatch(msg)
	// Identity resolution traffic aside, no reply or error may go out.
	for _, sent := range tr.sent[before:] {
		if sent.Type == dbus.TypeMethodReply || sent.Type == dbus.TypeError {
			t.Errorf("reply sent despite NO_REPLY_EXPECTED: %+v", sent)
		}
	}
}

func TestSignalBroadcast(t *testing.T) {
	e, _ := newTestEngine(t)

	var got []string
	add := func(tag, rules string) {
		e.AddHandler(HandlerConfig{
			Kind:      HandlerSignal,
			Interface: "com.example",
			Member:    "Changed",
			Rules:     rules,
			Callback:  func(*dbus.Message) { got = append(got, tag) },
		})
	}
	add("all", "")
	add("only-x", "arg0='x'")
	add("only-y", "arg0='y'")

	e.dispatch(makeSignal("/obj", "com.example", "Changed", "x"))
	if strings.Join(got, ",") != "all,only-x" {
		t.Errorf("handlers run: %v", got)
	}

	got = nil
	e.dispatch(makeSignal("/obj", "com.example", "Changed", "z"))
	if strings.Join(got, ",") != "all" {
		t.Errorf("handlers run for non-matching arg: %v", got)
	}
}

func TestSignalRuleRejectionIsPerHandler(t *testing.T) {
	e, _ := newTestEngine(t)

	// A failing predicate on an earlier registration must not stop
	// later registrations from running.
	ran := false
	e.AddHandler(HandlerConfig{
		Kind: HandlerSignal, Interface: "com.example", Member: "Changed",
		Rules:    "arg0='nope'",
		Callback: func(*dbus.Message) { t.Error("rejected handler ran") },
	})
	e.AddHandler(HandlerConfig{
		Kind: HandlerSignal, Interface: "com.example", Member: "Changed",
		Callback: func(*dbus.Message) { ran = true },
	})

	e.dispatch(makeSignal("/obj", "com.example", "Changed", "x"))
	if !ran {
		t.Error("later handler skipped after earlier predicate failure")
	}
}

func TestErrorBroadcastByErrorName(t *testing.T) {
	e, _ := newTestEngine(t)

	var got []string
	e.AddHandler(HandlerConfig{
		Kind:     HandlerError,
		Member:   "org.freedesktop.DBus.Error.ServiceUnknown",
		Callback: func(*dbus.Message) { got = append(got, "specific") },
	})
	e.AddHandler(HandlerConfig{
		Kind:     HandlerError, // no member: any error
		Callback: func(*dbus.Message) { got = append(got, "any") },
	})
	e.AddHandler(HandlerConfig{
		Kind:     HandlerError,
		Member:   "org.freedesktop.DBus.Error.NoReply",
		Callback: func(*dbus.Message) { got = append(got, "other") },
	})

	// Unsolicited error: no pending call waits on serial 9999.
	e.handleMessage(makeErrorReply(9999, "org.freedesktop.DBus.Error.ServiceUnknown"))
	if strings.Join(got, ",") != "specific,any" {
		t.Errorf("error handlers run: %v", got)
	}
}

func TestSignalsNeverGetReplies(t *testing.T) {
	e, tr := newTestEngine(t)

	e.AddHandler(HandlerConfig{
		Kind: HandlerSignal, Interface: "com.example", Member: "Changed",
		Callback: func(*dbus.Message) {},
	})
	before := len(tr.sent)
	e.dispatch(makeSignal("/obj", "com.example", "Changed"))
	for _, sent := range tr.sent[before:] {
		if sent.Type == dbus.TypeMethodReply || sent.Type == dbus.TypeError {
			t.Errorf("reply sent for a signal: %+v", sent)
		}
	}
}

func TestAtMostOneReplyPerCall(t *testing.T) {
	e, tr := newTestEngine(t)

	addMethod(t, e, "get_version", func(msg *dbus.Message) { e.Reply(msg, "1") })
	addMethod(t, e, "get_version", func(msg *dbus.Message) { e.Reply(msg, "2") })

	before := len(tr.sent)
	e.dispatch(makeCall("/org/devmoded/request", "org.devmoded.request", "get_version"))
	replies := 0
	for _, sent := range tr.sent[before:] {
		if sent.Type == dbus.TypeMethodReply {
			replies++
		}
	}
	if replies != 1 {
		t.Errorf("%d replies sent for one call", replies)
	}
}

func TestNestedDispatchDefersCompaction(t *testing.T) {
	e, _ := newTestEngine(t)

	var got []string
	var later []Cookie
	fed := false
	_, err := e.AddHandler(HandlerConfig{
		Kind: HandlerSignal, Interface: "com.example", Member: "Changed",
		Callback: func(*dbus.Message) {
			got = append(got, "head")
			if fed {
				return
			}
			fed = true
			// Removing trailing handlers mid-pass tombstones them;
			// feeding another signal from here starts a nested pass
			// while the outer pass still holds its length snapshot.
			for _, c := range later {
				e.RemoveHandler(c)
			}
			e.Feed(makeSignal("/obj", "com.example", "Changed"))
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		c, err := e.AddHandler(HandlerConfig{
			Kind: HandlerSignal, Interface: "com.example", Member: "Changed",
			Callback: func(*dbus.Message) { got = append(got, "tail") },
		})
		if err != nil {
			t.Fatal(err)
		}
		later = append(later, c)
	}

	e.dispatch(makeSignal("/obj", "com.example", "Changed"))

	if strings.Join(got, ",") != "head,head" {
		t.Errorf("handlers run: %v", got)
	}
	// Introspect handler plus the feeding handler survive compaction.
	if n := len(e.reg.order); n != 2 {
		t.Errorf("order list has %d entries after outer pass, want 2", n)
	}
}
