// Package config loads botfleet's YAML configuration.
//
// The file is located by the --config flag, else $BOTFLEET_CONFIG, else
// botfleet.yaml in the config directory. A missing default file is not an
// error; every field has a default derived from the state directory.
// Relative paths in the file are resolved against root.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbrock/botfleet/internal/dirs"
)

// EnvConfig names the environment variable holding the config path.
const EnvConfig = "BOTFLEET_CONFIG"

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full botfleet configuration.
type Config struct {
	// Root is the base directory for relative paths below.
	Root string `yaml:"root"`

	// AppsDir holds worker scripts. Worker records store script paths
	// relative to Root, e.g. "app/bot-<id>.js".
	AppsDir string `yaml:"apps_dir"`

	// LogsDir holds logs-<id>.txt for each worker.
	LogsDir string `yaml:"logs_dir"`

	// Database is the SQLite record store.
	Database string `yaml:"database"`

	// Interpreter runs worker scripts. Empty runs them directly.
	Interpreter []string `yaml:"interpreter"`

	// Template is copied to create a new worker's script.
	Template string `yaml:"template"`

	StopTimeout     Duration `yaml:"stop_timeout"`
	KillGrace       Duration `yaml:"kill_grace"`
	DrainTimeout    Duration `yaml:"drain_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	HTTP    HTTPConfig    `yaml:"http"`
	DBus    DBusConfig    `yaml:"dbus"`
	Journal JournalConfig `yaml:"journal"`
	Log     LogConfig     `yaml:"log"`
}

// HTTPConfig configures the operator HTTP surface.
type HTTPConfig struct {
	// Listen is a TCP address. Ignored when Socket is set or the
	// listener is passed in by systemd.
	Listen string `yaml:"listen"`
	// Socket is a Unix socket path. A relative path is placed in the
	// runtime directory.
	Socket string `yaml:"socket"`
}

// DBusConfig configures the D-Bus control plane.
type DBusConfig struct {
	Enabled bool `yaml:"enabled"`
	// System uses the system bus instead of the session bus.
	System bool `yaml:"system"`
}

// JournalConfig configures journald mirroring of worker lifecycle markers.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Socket  string `yaml:"socket"`
}

// LogConfig configures the supervisor's own log output.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file sets a field.
func Default() *Config {
	root := dirs.StateDir()
	return &Config{
		Root:            root,
		AppsDir:         "app",
		LogsDir:         "logs",
		Database:        "botfleet.db",
		Interpreter:     []string{"node"},
		Template:        "bot-template.js",
		StopTimeout:     Duration(2 * time.Second),
		KillGrace:       Duration(3 * time.Second),
		DrainTimeout:    Duration(time.Second),
		ShutdownTimeout: Duration(10 * time.Second),
		HTTP:            HTTPConfig{Listen: "127.0.0.1:3000"},
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the config path used when none is given.
func DefaultPath() string {
	if v := os.Getenv(EnvConfig); v != "" {
		return v
	}
	if dir := dirs.ConfigDir(); dir != "" {
		return filepath.Join(dir, "botfleet.yaml")
	}
	return ""
}

// Load reads the config at path. An empty path means DefaultPath, which
// may be absent.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		explicit = os.Getenv(EnvConfig) != ""
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve makes relative paths absolute against Root, except the HTTP
// socket which lives in the runtime directory.
func (c *Config) resolve() {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Root, p)
	}
	c.AppsDir = abs(c.AppsDir)
	c.LogsDir = abs(c.LogsDir)
	c.Database = abs(c.Database)
	c.Template = abs(c.Template)
	if c.HTTP.Socket != "" && !filepath.IsAbs(c.HTTP.Socket) {
		c.HTTP.Socket = filepath.Join(dirs.RuntimeDir(), c.HTTP.Socket)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, errors.New("stop_timeout must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EnsureDirs creates the directories botfleet writes into.
func (c *Config) EnsureDirs() error {
	paths := []string{c.Root, c.AppsDir, c.LogsDir, filepath.Dir(c.Database)}
	if c.HTTP.Socket != "" {
		paths = append(paths, filepath.Dir(c.HTTP.Socket))
	}
	for _, dir := range paths {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
