package bus

import (
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

const introXMLProlog = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// introArgsPlaceholder marks members registered without argument XML.
const introArgsPlaceholder = "<!-- NOT DEFINED -->"

const introDefaultInterfaces = `  <interface name="org.freedesktop.DBus.Introspectable">
    <method name="Introspect">
      <arg direction="out" name="data" type="s"/>
    </method>
  </interface>
  <interface name="org.freedesktop.DBus.Peer">
    <method name="Ping"/>
    <method name="GetMachineId">
      <arg direction="out" name="machine_uuid" type="s"/>
    </method>
  </interface>
`

// introNode is one entry in the fixed object-path tree. Inner nodes
// only list their children; leaf nodes also expose the members
// registered for their interface.
type introNode struct {
	iface    string
	children []string
}

type introTree struct {
	nodes map[string]*introNode
}

// newIntroTree derives the introspectable path hierarchy from the
// request and signal leaf paths.
func newIntroTree(cfg Config) *introTree {
	t := &introTree{nodes: map[string]*introNode{}}
	t.addLeaf(string(cfg.RequestPath), cfg.RequestInterface)
	t.addLeaf(string(cfg.SignalPath), cfg.SignalInterface)
	return t
}

func (t *introTree) node(path string) *introNode {
	n, ok := t.nodes[path]
	if !ok {
		n = &introNode{}
		t.nodes[path] = n
	}
	return n
}

// addLeaf records a leaf path and every ancestor up to the root.
func (t *introTree) addLeaf(path, iface string) {
	if !strings.HasPrefix(path, "/") || path == "/" {
		return
	}
	t.node(path).iface = iface

	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	parent := "/"
	for _, seg := range segments {
		n := t.node(parent)
		if !slices.Contains(n.children, seg) {
			n.children = append(n.children, seg)
		}
		if parent == "/" {
			parent += seg
		} else {
			parent += "/" + seg
		}
	}
}

// registerIntrospectHandler claims Introspect before any policy
// handlers get the chance, keeping path validation in one place.
func (e *Engine) registerIntrospectHandler() {
	_, err := e.AddHandler(HandlerConfig{
		Kind:      HandlerMethodCall,
		Interface: "org.freedesktop.DBus.Introspectable",
		Member:    "Introspect",
		Args:      `      <arg direction="out" name="data" type="s"/>`,
		Callback:  e.handleIntrospect,
	})
	if err != nil {
		fatalf("registering introspect handler: %v", err)
	}
}

func (e *Engine) handleIntrospect(msg *dbus.Message) {
	path := MsgPath(msg)
	node, ok := e.intro.nodes[path]
	if !ok {
		e.ReplyError(msg, ErrNameUnknownObject, "object "+path+" does not exist")
		return
	}
	e.Reply(msg, e.introspectXML(path, node))
}

func (e *Engine) introspectXML(path string, node *introNode) string {
	var b strings.Builder
	b.WriteString(introXMLProlog)
	b.WriteString(`<node name="` + path + `">` + "\n")
	b.WriteString(introDefaultInterfaces)
	if node.iface != "" {
		e.writeInterfaceXML(&b, node.iface)
	}
	for _, child := range node.children {
		b.WriteString(`  <node name="` + child + `"/>` + "\n")
	}
	b.WriteString("</node>\n")
	return b.String()
}

// writeInterfaceXML scans the registry for the leaf interface's
// inbound methods and declared outbound signals. A signal registration
// with a nil callback means "emitted here, not received".
func (e *Engine) writeInterfaceXML(b *strings.Builder, iface string) {
	b.WriteString(`  <interface name="` + iface + `">` + "\n")
	for _, reg := range e.reg.order {
		if reg.dead || reg.cfg.Interface != iface || reg.cfg.Member == "" {
			continue
		}
		var tag string
		switch {
		case reg.cfg.Kind == HandlerMethodCall && reg.cfg.Callback != nil:
			tag = "method"
		case reg.cfg.Kind == HandlerSignal && reg.cfg.Callback == nil:
			tag = "signal"
		default:
			continue
		}
		b.WriteString(`    <` + tag + ` name="` + reg.cfg.Member + `">` + "\n")
		if reg.cfg.Args != "" {
			b.WriteString(reg.cfg.Args)
			if !strings.HasSuffix(reg.cfg.Args, "\n") {
				b.WriteString("\n")
			}
		} else {
			b.WriteString("      " + introArgsPlaceholder + "\n")
		}
		b.WriteString(`    </` + tag + ">\n")
	}
	b.WriteString("  </interface>\n")
}
