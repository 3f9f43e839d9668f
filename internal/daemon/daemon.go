// Package daemon wires the devmoded policy daemon together: it owns
// the bus engine, the runtime setting store, verbosity control and the
// essential-service presence table, and exposes the org.devmoded
// request interface.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nivaria/devmoded/internal/bus"
	"github.com/nivaria/devmoded/internal/settings"
)

// D-Bus identity of the daemon.
const (
	BusName          = "org.devmoded"
	RequestPath      = dbus.ObjectPath("/org/devmoded/request")
	SignalPath       = dbus.ObjectPath("/org/devmoded/signal")
	RequestInterface = "org.devmoded.request"
	SignalInterface  = "org.devmoded.signal"
)

// Config holds daemon startup parameters.
type Config struct {
	// BusAddress connects to a custom bus address. Empty means the
	// system bus (production); integration tests point this at a
	// private dbus-daemon.
	BusAddress string

	// SessionBus connects to the session bus instead of the system
	// bus. Ignored when BusAddress is set.
	SessionBus bool

	// SettingsFile is the YAML settings overlay; empty disables it.
	SettingsFile string

	// ReplyTimeout bounds this daemon's own outbound method calls.
	ReplyTimeout time.Duration

	// Version is the string reported by get_version.
	Version string

	// LogLevel, when set, lets set_verbosity adjust logging at runtime.
	LogLevel *slog.LevelVar
}

// Daemon is the running daemon state. All fields are owned by the
// engine loop once Run has started.
type Daemon struct {
	cfg    Config
	engine *bus.Engine
	store  *settings.Store

	verbosity int32
	services  []*bus.ServiceEntry
}

// Run starts the daemon and blocks until ctx is cancelled or the bus
// connection is lost. Returns nil on clean shutdown.
func Run(ctx context.Context, cfg Config) error {
	store := settings.NewStore()
	if err := defineDefaults(store); err != nil {
		return fmt.Errorf("defining default settings: %w", err)
	}
	store.EnableChangeLogging()
	if cfg.SettingsFile != "" {
		if err := store.LoadOverlay(cfg.SettingsFile); err != nil {
			return fmt.Errorf("loading settings overlay: %w", err)
		}
	}

	engine, err := bus.Connect(bus.Config{
		Address:          cfg.BusAddress,
		SessionBus:       cfg.SessionBus,
		Name:             BusName,
		ReplyTimeout:     cfg.ReplyTimeout,
		RequestPath:      RequestPath,
		SignalPath:       SignalPath,
		RequestInterface: RequestInterface,
		SignalInterface:  SignalInterface,
	})
	if err != nil {
		return err
	}

	d := &Daemon{
		cfg:       cfg,
		engine:    engine,
		store:     store,
		verbosity: defaultVerbosity,
		services:  essentialServices(),
	}
	if err := d.registerHandlers(); err != nil {
		return err
	}
	if err := engine.TrackServices(d.services); err != nil {
		return err
	}

	// From here on setting changes are broadcast to bus clients. The
	// overlay loaded above stays quiet on purpose: startup state is
	// queried, not announced.
	store.Notify(d.configChanged)
	if cfg.SettingsFile != "" {
		if err := store.WatchOverlay(ctx, cfg.SettingsFile, engine.Post); err != nil {
			slog.Warn("settings overlay not watched", "file", cfg.SettingsFile, "error", err)
		}
	}

	slog.Info("daemon ready", "bus_name", BusName, "version", cfg.Version)
	SdNotify("READY=1")
	defer SdNotify("STOPPING=1")

	return engine.Run(ctx)
}

// configChanged re-broadcasts a setting change as config_change_ind.
// Runs on the engine loop: every mutation path (method call, overlay
// reload) executes there.
func (d *Daemon) configChanged(key string, val settings.Value) {
	variant, err := valueToVariant(val)
	if err != nil {
		slog.Warn("setting not broadcastable", "key", key, "error", err)
		return
	}
	d.engine.Emit("config_change_ind", key, variant)
}
