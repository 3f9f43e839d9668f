package daemon

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/nivaria/devmoded/internal/bus"
	"github.com/nivaria/devmoded/internal/settings"
)

// defaultSettings seeds the store. Policy modules consume these over
// the config interface; the values here are the factory defaults.
var defaultSettings = map[string]settings.Value{
	"/devmoded/display/brightness":        int64(60),
	"/devmoded/display/dim_timeout":       int64(30),
	"/devmoded/display/dim_timeouts":      []int64{15, 30, 60, 120, 600},
	"/devmoded/display/blank_timeout":     int64(3),
	"/devmoded/display/als_enabled":       true,
	"/devmoded/display/als_threshold":     0.5,
	"/devmoded/display/orientation_lock":  "dynamic",
	"/devmoded/powerkey/action":           "blank",
	"/devmoded/powerkey/long_press_delay": int64(1500),
	"/devmoded/radio/flight_mode":         false,
	"/devmoded/suspend/policy":            "enabled",
	"/devmoded/battery/psm_threshold":     int64(20),
	"/devmoded/battery/psm_enabled":       true,
	"/devmoded/usb/mode":                  "ask",
	"/devmoded/usb/hidden_modes":          []string{},
}

func defineDefaults(store *settings.Store) error {
	for key, def := range defaultSettings {
		if err := store.Define(key, def); err != nil {
			return err
		}
	}
	return nil
}

// registerHandlers installs the request-interface method table and the
// outbound signal declarations. Argument XML feeds introspection.
func (d *Daemon) registerHandlers() error {
	table := []bus.HandlerConfig{
		{
			Kind: bus.HandlerMethodCall, Interface: RequestInterface, Member: "get_version",
			Args:     "      " + `<arg direction="out" name="version" type="s"/>`,
			Callback: d.getVersion,
		},
		{
			Kind: bus.HandlerMethodCall, Interface: RequestInterface, Member: "get_suspend_stats",
			Args: "      " + `<arg direction="out" name="uptime_ms" type="x"/>` + "\n" +
				"      " + `<arg direction="out" name="suspend_ms" type="x"/>`,
			Callback: d.getSuspendStats,
		},
		{
			Kind: bus.HandlerMethodCall, Interface: RequestInterface, Member: "get_verbosity",
			Args:     "      " + `<arg direction="out" name="level" type="i"/>`,
			Callback: d.getVerbosity,
		},
		{
			Kind: bus.HandlerMethodCall, Interface: RequestInterface, Member: "set_verbosity",
			Args: "      " + `<arg direction="in" name="level" type="i"/>` + "\n" +
				"      " + `<arg direction="out" name="success" type="b"/>`,
			Callback: d.setVerbosity,
		},
		{
			Kind: bus.HandlerMethodCall, Interface: RequestInterface, Member: "get_config",
			Args: "      " + `<arg direction="in" name="key" type="s"/>` + "\n" +
				"      " + `<arg direction="out" name="value" type="v"/>`,
			Callback: d.getConfig,
		},
		{
			Kind: bus.HandlerMethodCall, Interface: RequestInterface, Member: "set_config",
			Args: "      " + `<arg direction="in" name="key" type="s"/>` + "\n" +
				"      " + `<arg direction="in" name="value" type="v"/>` + "\n" +
				"      " + `<arg direction="out" name="success" type="b"/>`,
			Callback: d.setConfig,
		},
		{
			Kind: bus.HandlerMethodCall, Interface: RequestInterface, Member: "reset_config",
			Args: "      " + `<arg direction="in" name="prefix" type="s"/>` + "\n" +
				"      " + `<arg direction="out" name="count" type="i"/>`,
			Callback: d.resetConfig,
		},
		{
			Kind: bus.HandlerMethodCall, Interface: RequestInterface, Member: "get_config_all",
			Args:     "      " + `<arg direction="out" name="values" type="a{sv}"/>`,
			Callback: d.getConfigAll,
		},
		{
			// Outbound: emitted on every setting change, never received.
			Kind: bus.HandlerSignal, Interface: SignalInterface, Member: "config_change_ind",
			Args: "      " + `<arg name="key" type="s"/>` + "\n" +
				"      " + `<arg name="value" type="v"/>`,
		},
	}
	for _, cfg := range table {
		if _, err := d.engine.AddHandler(cfg); err != nil {
			return fmt.Errorf("registering %s.%s: %w", cfg.Interface, cfg.Member, err)
		}
	}
	return nil
}

func (d *Daemon) getVersion(msg *dbus.Message) {
	d.engine.Reply(msg, d.cfg.Version)
}

func (d *Daemon) getSuspendStats(msg *dbus.Message) {
	uptimeMS, suspendMS, err := suspendStats()
	if err != nil {
		d.engine.ReplyError(msg, bus.ErrNameFailed, err.Error())
		return
	}
	d.engine.Reply(msg, uptimeMS, suspendMS)
}

func (d *Daemon) getVerbosity(msg *dbus.Message) {
	d.engine.Reply(msg, d.verbosity)
}

func (d *Daemon) setVerbosity(msg *dbus.Message) {
	var level int32
	if err := dbus.Store(msg.Body, &level); err != nil {
		d.engine.ReplyError(msg, bus.ErrNameInvalidArgs, err.Error())
		return
	}
	d.verbosity = clampVerbosity(level)
	if d.cfg.LogLevel != nil {
		d.cfg.LogLevel.Set(verbosityToLevel(d.verbosity))
	}
	slog.Info("verbosity changed",
		"requested", level,
		"level", d.verbosity,
		"sender", d.engine.MessageSenderIdent(msg))
	d.engine.Reply(msg, true)
}

func (d *Daemon) getConfig(msg *dbus.Message) {
	var key string
	if err := dbus.Store(msg.Body, &key); err != nil {
		d.engine.ReplyError(msg, bus.ErrNameInvalidArgs, err.Error())
		return
	}
	val, ok := d.store.Get(key)
	if !ok {
		d.engine.ReplyError(msg, bus.ErrNameFailed, "no such setting: "+key)
		return
	}
	variant, err := valueToVariant(val)
	if err != nil {
		d.engine.ReplyError(msg, bus.ErrNameFailed, err.Error())
		return
	}
	d.engine.Reply(msg, variant)
}

func (d *Daemon) setConfig(msg *dbus.Message) {
	var key string
	var variant dbus.Variant
	if err := dbus.Store(msg.Body, &key, &variant); err != nil {
		d.engine.ReplyError(msg, bus.ErrNameInvalidArgs, err.Error())
		return
	}
	val, err := variantToValue(variant)
	if err != nil {
		d.engine.ReplyError(msg, bus.ErrNameInvalidArgs, err.Error())
		return
	}
	if err := d.store.Set(key, val); err != nil {
		slog.Warn("set_config rejected",
			"key", key,
			"error", err,
			"sender", d.engine.MessageSenderIdent(msg))
		d.engine.ReplyError(msg, bus.ErrNameFailed, err.Error())
		return
	}
	d.engine.Reply(msg, true)
}

func (d *Daemon) resetConfig(msg *dbus.Message) {
	var prefix string
	if err := dbus.Store(msg.Body, &prefix); err != nil {
		d.engine.ReplyError(msg, bus.ErrNameInvalidArgs, err.Error())
		return
	}
	changed := d.store.Reset(prefix)
	slog.Info("settings reset",
		"prefix", prefix,
		"count", len(changed),
		"sender", d.engine.MessageSenderIdent(msg))
	d.engine.Reply(msg, int32(len(changed)))
}

func (d *Daemon) getConfigAll(msg *dbus.Message) {
	all := d.store.All("/")
	out := make(map[string]dbus.Variant, len(all))
	for key, val := range all {
		variant, err := valueToVariant(val)
		if err != nil {
			slog.Warn("setting skipped in get_config_all", "key", key, "error", err)
			continue
		}
		out[key] = variant
	}
	d.engine.Reply(msg, out)
}
