// devmoded tracks device-mode policy state and serves it over D-Bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/nivaria/devmoded/internal/config"
	"github.com/nivaria/devmoded/internal/daemon"
	"github.com/nivaria/devmoded/internal/service"
)

var progName = filepath.Base(os.Args[0])

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "version":
		fmt.Printf("%s %s\n", progName, version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Start the daemon
  service       Manage the systemd system service
  version       Print the version

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: /etc/devmoded/config.yaml, or $XDG_CONFIG_HOME/devmoded/config.yaml when not root)")
	busAddress := fs.String("bus-address", "", "Connect to a custom D-Bus address instead of the system bus")
	sessionBus := fs.Bool("session-bus", false, "Connect to the session bus instead of the system bus")
	settingsFile := fs.String("settings-file", "", "Settings overlay file (default: settings.yaml next to the config file)")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	replyTimeout := fs.Duration("reply-timeout", 0, "Timeout for the daemon's own outbound method calls (default: 25s)")
	fs.Parse(args)

	// Load config and apply values for flags not explicitly set
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["bus-address"] && cfg.Serve.BusAddress != "" {
		*busAddress = cfg.Serve.BusAddress
	}
	if !set["session-bus"] && cfg.Serve.SessionBus != nil {
		*sessionBus = *cfg.Serve.SessionBus
	}
	if !set["settings-file"] && cfg.Serve.SettingsFile != "" {
		*settingsFile = cfg.Serve.SettingsFile
	}
	if !set["log-level"] && cfg.Serve.LogLevel != "" {
		*logLevel = cfg.Serve.LogLevel
	}
	if !set["log-format"] && cfg.Serve.LogFormat != "" {
		*logFormat = cfg.Serve.LogFormat
	}
	if !set["reply-timeout"] && cfg.Serve.ReplyTimeout != 0 {
		*replyTimeout = time.Duration(cfg.Serve.ReplyTimeout)
	}

	if *settingsFile == "" {
		*settingsFile = config.DefaultSettingsPath()
	}

	// set_verbosity adjusts logging at runtime, so the level lives in a
	// LevelVar shared with the daemon.
	level := new(slog.LevelVar)
	level.Set(parseLogLevel(*logLevel))

	// Set global slog default with configured level and format
	var handler slog.Handler
	switch *logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		// When running under systemd, the journal adds its own timestamps.
		underSystemd := os.Getenv("INVOCATION_ID") != ""
		opts := &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    underSystemd,
		}
		if underSystemd {
			opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			}
		}
		handler = tint.NewHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := daemon.Run(ctx, daemon.Config{
		BusAddress:   *busAddress,
		SessionBus:   *sessionBus,
		SettingsFile: *settingsFile,
		ReplyTimeout: *replyTimeout,
		Version:      version,
		LogLevel:     level,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runService handles the "service" subcommand group (install/uninstall/status).
func runService(args []string) {
	if len(args) == 0 {
		printServiceUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "install":
		runServiceInstall(args[1:])
	case "uninstall":
		if err := service.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		service.Status()
	case "-h", "--help", "help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
}

func runServiceInstall(args []string) {
	fs := flag.NewFlagSet("service install", flag.ExitOnError)
	start := fs.Bool("start", false, "Start the service immediately after installing")
	configPath := fs.String("config", "", "Config file path to embed in the unit file")
	fs.Parse(args)

	if err := service.Install(service.Options{
		ConfigPath: *configPath,
		Start:      *start,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install and enable the systemd system service
  uninstall     Stop, disable, and remove the systemd system service
  status        Show the service status

Install options:
  --start       Start the service immediately after installing
  --config      Config file path to embed in the unit file's ExecStart
`, progName)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		// If the explicit path didn't exist, Load returns empty config.
		// We need to distinguish: check if the file actually exists.
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
