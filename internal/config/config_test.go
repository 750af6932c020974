package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "botfleet.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("BOTFLEET_RUNTIME_DIR", "/run/user/1000/botfleet")
	path := writeConfig(t, `
root: /srv/bots
logs_dir: /var/log/bots
interpreter: [node, --enable-source-maps]
stop_timeout: 500ms
http:
  socket: run/botfleet.sock
dbus:
  enabled: true
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppsDir != "/srv/bots/app" || cfg.LogsDir != "/var/log/bots" || cfg.Database != "/srv/bots/botfleet.db" {
		t.Errorf("paths not resolved: %+v", cfg)
	}
	if cfg.HTTP.Socket != "/run/user/1000/botfleet/run/botfleet.sock" {
		t.Errorf("socket = %q", cfg.HTTP.Socket)
	}
	if time.Duration(cfg.StopTimeout) != 500*time.Millisecond {
		t.Errorf("stop_timeout = %v", time.Duration(cfg.StopTimeout))
	}
	if time.Duration(cfg.KillGrace) != 3*time.Second {
		t.Errorf("kill_grace default lost: %v", time.Duration(cfg.KillGrace))
	}
	if len(cfg.Interpreter) != 2 || !cfg.DBus.Enabled || cfg.Log.Format != "json" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoad_MissingDefaultIsFine(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvConfig, "")
	t.Setenv("BOTFLEET_STATE_DIR", "/tmp/botfleet-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root != "/tmp/botfleet-test" || cfg.Interpreter[0] != "node" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", "stop_timeout: soon\n", "soon"},
		{"bad level", "log:\n  level: loud\n", "loud"},
		{"negative timeout", "shutdown_timeout: -1s\n", "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load err = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("explicit missing file should fail")
	}
}
