package bus

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestMonitorAddRemoveCounts(t *testing.T) {
	e, _ := newTestEngine(t)
	cb := func(*dbus.Message) {}

	var list MonitorList
	if n := e.MonitorAdd("com.example.svc", cb, &list, 2); n != 1 {
		t.Errorf("first add = %d, want 1", n)
	}
	if n := e.MonitorAdd("com.example.svc", cb, &list, 2); n != 0 {
		t.Errorf("duplicate add = %d, want 0", n)
	}
	if list.Len() != 1 {
		t.Errorf("list length = %d after duplicate add", list.Len())
	}
}

func TestMonitorCapacity(t *testing.T) {
	e, _ := newTestEngine(t)
	cb := func(*dbus.Message) {}

	var list MonitorList
	if n := e.MonitorAdd("com.foo", cb, &list, 2); n != 1 {
		t.Errorf("add com.foo = %d", n)
	}
	if n := e.MonitorAdd("com.bar", cb, &list, 2); n != 2 {
		t.Errorf("add com.bar = %d", n)
	}
	if n := e.MonitorAdd("com.baz", cb, &list, 2); n != -1 {
		t.Errorf("add over capacity = %d, want -1", n)
	}
	if list.Len() != 2 {
		t.Errorf("list length = %d", list.Len())
	}
	if n := e.MonitorRemove("com.foo", &list); n != 1 {
		t.Errorf("remove com.foo = %d, want 1", n)
	}
	if n := e.MonitorRemove("com.foo", &list); n != -1 {
		t.Errorf("remove absent = %d, want -1", n)
	}
}

func TestMonitorRemoveAllIdempotent(t *testing.T) {
	e, tr := newTestEngine(t)
	cb := func(*dbus.Message) {}

	var list MonitorList
	e.MonitorAdd("com.foo", cb, &list, 4)
	e.MonitorAdd("com.bar", cb, &list, 4)

	e.MonitorRemoveAll(&list)
	if list.Len() != 0 {
		t.Errorf("list length = %d after removeAll", list.Len())
	}
	removes := len(tr.sentCalls("RemoveMatch"))
	e.MonitorRemoveAll(&list)
	if got := len(tr.sentCalls("RemoveMatch")); got != removes {
		t.Error("second removeAll unregistered something again")
	}
}

func TestMonitorWatchScopedToLoss(t *testing.T) {
	e, tr := newTestEngine(t)

	var list MonitorList
	e.MonitorAdd("com.example.svc", func(*dbus.Message) {}, &list, 1)

	adds := tr.sentCalls("AddMatch")
	if len(adds) != 1 {
		t.Fatalf("AddMatch sent %d times", len(adds))
	}
	want := "type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='com.example.svc',arg2=''"
	if got := adds[0].Body[0]; got != want {
		t.Errorf("match rule = %q, want %q", got, want)
	}
}

func TestMonitorLossDelivery(t *testing.T) {
	e, _ := newTestEngine(t)

	losses := 0
	var list MonitorList
	e.MonitorAdd("com.example.svc", func(msg *dbus.Message) {
		var name, prev, cur string
		if err := dbus.Store(msg.Body, &name, &prev, &cur); err != nil {
			t.Fatal(err)
		}
		if name != "com.example.svc" || cur != "" {
			t.Errorf("loss callback got (%q, %q, %q)", name, prev, cur)
		}
		losses++
	}, &list, 1)

	// Genuine bus-delivered loss.
	e.dispatch(makeOwnerChanged("com.example.svc", ":1.9", ""))
	if losses != 1 {
		t.Fatalf("losses = %d after bus signal", losses)
	}
	// Ownership gain must not trigger the loss callback (arg2 rule).
	e.dispatch(makeOwnerChanged("com.example.svc", "", ":1.10"))
	if losses != 1 {
		t.Errorf("losses = %d after gain signal", losses)
	}
	// Other services must not leak through (arg0 rule).
	e.dispatch(makeOwnerChanged("com.other.svc", ":1.11", ""))
	if losses != 1 {
		t.Errorf("losses = %d after unrelated signal", losses)
	}
}

func TestMonitorVerificationSynthesizesLoss(t *testing.T) {
	e, tr := newTestEngine(t)

	losses := 0
	var list MonitorList
	e.MonitorAdd("com.example.svc", func(*dbus.Message) { losses++ }, &list, 1)

	// MonitorAdd fired an async NameHasOwner check.
	checks := tr.sentCalls("NameHasOwner")
	if len(checks) != 1 {
		t.Fatalf("NameHasOwner sent %d times", len(checks))
	}
	if checks[0].Body[0] != "com.example.svc" {
		t.Errorf("NameHasOwner arg = %v", checks[0].Body)
	}

	// Reply "not owned": the engine must synthesize the loss through
	// the same dispatch path as a genuine signal.
	var serial uint32
	for s := range e.pending {
		serial = s
	}
	e.handleMessage(makeReply(serial, false))
	if losses != 1 {
		t.Errorf("losses = %d after negative verification", losses)
	}
}

func TestMonitorVerificationOwnedIsQuiet(t *testing.T) {
	e, _ := newTestEngine(t)

	losses := 0
	var list MonitorList
	e.MonitorAdd("com.example.svc", func(*dbus.Message) { losses++ }, &list, 1)

	var serial uint32
	for s := range e.pending {
		serial = s
	}
	e.handleMessage(makeReply(serial, true))
	if losses != 0 {
		t.Errorf("losses = %d after positive verification", losses)
	}
}
