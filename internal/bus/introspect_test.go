package bus

import (
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
)

func introspect(t *testing.T, e *Engine, tr *fakeTransport, path string) *dbus.Message {
	t.Helper()
	e.dispatch(makeCall(path, "org.freedesktop.DBus.Introspectable", "Introspect"))
	return tr.lastSent(t)
}

func introspectXML(t *testing.T, e *Engine, tr *fakeTransport, path string) string {
	t.Helper()
	reply := introspect(t, e, tr, path)
	if reply.Type != dbus.TypeMethodReply {
		t.Fatalf("Introspect(%s) reply = %+v", path, reply)
	}
	xml, ok := reply.Body[0].(string)
	if !ok {
		t.Fatalf("Introspect(%s) body = %v", path, reply.Body)
	}
	return xml
}

func TestIntrospectRegisteredMethod(t *testing.T) {
	e, tr := newTestEngine(t)

	_, err := e.AddHandler(HandlerConfig{
		Kind:      HandlerMethodCall,
		Interface: e.cfg.RequestInterface,
		Member:    "get_version",
		Args:      `      <arg direction="out" name="version" type="s"/>`,
		Callback:  func(*dbus.Message) {},
	})
	if err != nil {
		t.Fatal(err)
	}

	xml := introspectXML(t, e, tr, "/org/devmoded/request")
	if !strings.Contains(xml, `<method name="get_version">`) {
		t.Errorf("method element missing:\n%s", xml)
	}
	if !strings.Contains(xml, `<arg direction="out" name="version" type="s"/>`) {
		t.Errorf("argument XML missing:\n%s", xml)
	}
	if !strings.Contains(xml, `<interface name="org.devmoded.request">`) {
		t.Errorf("leaf interface missing:\n%s", xml)
	}
}

func TestIntrospectPlaceholderArgs(t *testing.T) {
	e, tr := newTestEngine(t)

	e.AddHandler(HandlerConfig{
		Kind:      HandlerMethodCall,
		Interface: e.cfg.RequestInterface,
		Member:    "undocumented_method",
		Callback:  func(*dbus.Message) {},
	})

	xml := introspectXML(t, e, tr, "/org/devmoded/request")
	if !strings.Contains(xml, introArgsPlaceholder) {
		t.Errorf("placeholder missing for argless registration:\n%s", xml)
	}
}

func TestIntrospectOutboundSignal(t *testing.T) {
	e, tr := newTestEngine(t)

	// Nil callback: declared as emitted here, not received.
	e.AddHandler(HandlerConfig{
		Kind:      HandlerSignal,
		Interface: e.cfg.SignalInterface,
		Member:    "config_change_ind",
		Args:      `      <arg name="key" type="s"/>`,
	})

	xml := introspectXML(t, e, tr, "/org/devmoded/signal")
	if !strings.Contains(xml, `<signal name="config_change_ind">`) {
		t.Errorf("signal element missing:\n%s", xml)
	}

	// It must not appear on the request leaf.
	reqXML := introspectXML(t, e, tr, "/org/devmoded/request")
	if strings.Contains(reqXML, "config_change_ind") {
		t.Errorf("signal leaked onto the request interface:\n%s", reqXML)
	}
}

func TestIntrospectInboundSignalNotListed(t *testing.T) {
	e, tr := newTestEngine(t)

	// Signals we merely subscribe to are not part of our object's API.
	e.AddHandler(HandlerConfig{
		Kind:      HandlerSignal,
		Interface: e.cfg.SignalInterface,
		Member:    "some_inbound",
		Callback:  func(*dbus.Message) {},
	})

	xml := introspectXML(t, e, tr, "/org/devmoded/signal")
	if strings.Contains(xml, "some_inbound") {
		t.Errorf("subscribed signal listed as outbound:\n%s", xml)
	}
}

func TestIntrospectTree(t *testing.T) {
	e, tr := newTestEngine(t)

	root := introspectXML(t, e, tr, "/")
	if !strings.Contains(root, `<node name="org"/>`) {
		t.Errorf("root children wrong:\n%s", root)
	}
	org := introspectXML(t, e, tr, "/org")
	if !strings.Contains(org, `<node name="devmoded"/>`) {
		t.Errorf("/org children wrong:\n%s", org)
	}
	mid := introspectXML(t, e, tr, "/org/devmoded")
	if !strings.Contains(mid, `<node name="request"/>`) || !strings.Contains(mid, `<node name="signal"/>`) {
		t.Errorf("/org/devmoded children wrong:\n%s", mid)
	}
}

func TestIntrospectDefaultInterfaces(t *testing.T) {
	e, tr := newTestEngine(t)

	xml := introspectXML(t, e, tr, "/")
	for _, want := range []string{
		`<interface name="org.freedesktop.DBus.Introspectable">`,
		`<interface name="org.freedesktop.DBus.Peer">`,
		`<method name="Ping"/>`,
		`<method name="GetMachineId">`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("default stub %q missing:\n%s", want, xml)
		}
	}
}

func TestIntrospectUnknownPath(t *testing.T) {
	e, tr := newTestEngine(t)

	reply := introspect(t, e, tr, "/com/intruder")
	if reply.Type != dbus.TypeError || MsgErrorName(reply) != ErrNameUnknownObject {
		t.Errorf("unknown path reply = %+v", reply)
	}
}
