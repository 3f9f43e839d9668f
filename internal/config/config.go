package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServeConfig holds serve-subcommand settings.
type ServeConfig struct {
	BusAddress   string   `yaml:"bus_address"`
	SessionBus   *bool    `yaml:"session_bus"`
	SettingsFile string   `yaml:"settings_file"`
	LogLevel     string   `yaml:"log_level"`
	LogFormat    string   `yaml:"log_format"`
	ReplyTimeout Duration `yaml:"reply_timeout"`
}

// Config is the top-level configuration file structure.
type Config struct {
	Serve ServeConfig `yaml:"serve"`
}

// DefaultPath returns the default config file path. System daemons read
// /etc; when running from a user session XDG_CONFIG_HOME takes over.
func DefaultPath() string {
	if os.Getuid() == 0 {
		return "/etc/devmoded/config.yaml"
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "devmoded", "config.yaml")
}

// DefaultSettingsPath returns the default settings overlay path next to
// the config file.
func DefaultSettingsPath() string {
	p := DefaultPath()
	if p == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(p), "settings.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
