// Package bus implements the daemon's message-bus engine: a raw-message
// dispatch layer on top of a godbus connection. Unlike the binding's
// own export machinery, dispatch policy here is explicit: an ordered
// handler registry, first-match method routing, broadcast signal
// routing with runtime match rules, owner monitoring with asynchronous
// verification, peer identity resolution and introspection synthesis.
package bus

import (
	"github.com/godbus/dbus/v5"
)

// Header accessors. godbus keeps headers as a variant map; most of the
// engine only ever needs the string forms.

func hdrString(msg *dbus.Message, field dbus.HeaderField) string {
	v, ok := msg.Headers[field]
	if !ok {
		return ""
	}
	switch x := v.Value().(type) {
	case string:
		return x
	case dbus.ObjectPath:
		return string(x)
	}
	return ""
}

// MsgPath returns the object path header or "".
func MsgPath(msg *dbus.Message) string { return hdrString(msg, dbus.FieldPath) }

// MsgInterface returns the interface header or "".
func MsgInterface(msg *dbus.Message) string { return hdrString(msg, dbus.FieldInterface) }

// MsgMember returns the member header or "".
func MsgMember(msg *dbus.Message) string { return hdrString(msg, dbus.FieldMember) }

// MsgSender returns the sender header or "".
func MsgSender(msg *dbus.Message) string { return hdrString(msg, dbus.FieldSender) }

// MsgErrorName returns the error-name header or "".
func MsgErrorName(msg *dbus.Message) string { return hdrString(msg, dbus.FieldErrorName) }

// MsgReplySerial returns the reply-serial header or 0.
func MsgReplySerial(msg *dbus.Message) uint32 {
	v, ok := msg.Headers[dbus.FieldReplySerial]
	if !ok {
		return 0
	}
	serial, _ := v.Value().(uint32)
	return serial
}

func noReplyExpected(msg *dbus.Message) bool {
	return msg.Flags&dbus.FlagNoReplyExpected != 0
}

func setBody(msg *dbus.Message, args []any) {
	msg.Body = args
	if len(args) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(args...))
	}
}

// NewSignal builds an outbound signal message.
func NewSignal(path dbus.ObjectPath, iface, member string, args ...any) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:      dbus.MakeVariant(path),
			dbus.FieldInterface: dbus.MakeVariant(iface),
			dbus.FieldMember:    dbus.MakeVariant(member),
		},
	}
	setBody(msg, args)
	return msg
}

// NewMethodCall builds an outbound method call message.
func NewMethodCall(dest string, path dbus.ObjectPath, iface, member string, args ...any) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeMethodCall,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldDestination: dbus.MakeVariant(dest),
			dbus.FieldPath:        dbus.MakeVariant(path),
			dbus.FieldInterface:   dbus.MakeVariant(iface),
			dbus.FieldMember:      dbus.MakeVariant(member),
		},
	}
	setBody(msg, args)
	return msg
}

// NewMethodReply builds a reply to req.
func NewMethodReply(req *dbus.Message, args ...any) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeMethodReply,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldReplySerial: dbus.MakeVariant(req.Serial()),
		},
	}
	if sender := MsgSender(req); sender != "" {
		msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(sender)
	}
	setBody(msg, args)
	return msg
}

// NewErrorReply builds an error reply to req with the given error name
// and human-readable message.
func NewErrorReply(req *dbus.Message, name, message string) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeError,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldReplySerial: dbus.MakeVariant(req.Serial()),
			dbus.FieldErrorName:   dbus.MakeVariant(name),
		},
	}
	if sender := MsgSender(req); sender != "" {
		msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(sender)
	}
	setBody(msg, []any{message})
	return msg
}

// Well-known error names used by the engine.
const (
	ErrNameUnknownMethod  = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownObject  = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameInvalidArgs    = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameFailed         = "org.freedesktop.DBus.Error.Failed"
	ErrNameNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrNameNoReply        = "org.freedesktop.DBus.Error.NoReply"
	ErrNameCancelled      = "org.devmoded.Error.Cancelled"
)

// dbusDaemon constants for talking to the bus daemon itself.
const (
	busDaemonName      = "org.freedesktop.DBus"
	busDaemonPath      = dbus.ObjectPath("/org/freedesktop/DBus")
	busDaemonInterface = "org.freedesktop.DBus"

	sigNameOwnerChanged = "NameOwnerChanged"
)
