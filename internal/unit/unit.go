// Package unit installs the botfleet supervisor as a socket-activated
// systemd user service.
package unit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	SocketUnit  = "botfleet.socket"
	ServiceUnit = "botfleet.service"
)

// Options describes the units to write.
type Options struct {
	// Dir receives the unit files, normally ~/.config/systemd/user.
	Dir string

	// Exec is the botfleet binary and ConfigPath its config file.
	Exec       string
	ConfigPath string

	// Listen is a TCP address or an absolute Unix socket path.
	Listen string
}

// DefaultDir returns the systemd user unit directory.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("finding config dir: %w", err)
	}
	return filepath.Join(dir, "systemd", "user"), nil
}

// SocketFile renders the socket unit.
func SocketFile(opts Options) string {
	return fmt.Sprintf(`[Unit]
Description=botfleet HTTP API socket

[Socket]
ListenStream=%s

[Install]
WantedBy=sockets.target
`, opts.Listen)
}

// ServiceFile renders the service unit. The supervisor signals readiness
// with sd_notify and stops its workers on SIGTERM.
func ServiceFile(opts Options) string {
	exec := opts.Exec + " serve"
	if opts.ConfigPath != "" {
		exec += " --config " + opts.ConfigPath
	}
	return fmt.Sprintf(`[Unit]
Description=botfleet worker supervisor
Requires=%s

[Service]
Type=notify
ExecStart=%s
KillMode=mixed
TimeoutStopSec=30

[Install]
WantedBy=default.target
`, SocketUnit, exec)
}

// Install writes both units, reloads systemd, then enables and starts
// the socket. Progress lines go to report.
func Install(ctx context.Context, sd Systemd, opts Options, report func(string)) error {
	if opts.Exec == "" || opts.Listen == "" || opts.Dir == "" {
		return errors.New("unit dir, executable and listen address are required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return fmt.Errorf("creating unit dir: %w", err)
	}
	files := []struct{ name, body string }{
		{SocketUnit, SocketFile(opts)},
		{ServiceUnit, ServiceFile(opts)},
	}
	for _, f := range files {
		path := filepath.Join(opts.Dir, f.name)
		if err := os.WriteFile(path, []byte(f.body), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
		report("wrote " + path)
	}

	if err := sd.Reload(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	report("reloaded systemd")
	if err := sd.EnableUnits(ctx, []string{SocketUnit}); err != nil {
		return err
	}
	report("enabled " + SocketUnit)
	if err := sd.StartUnit(ctx, SocketUnit); err != nil {
		return err
	}
	report(fmt.Sprintf("started %s on %s", SocketUnit, opts.Listen))
	return nil
}

// Uninstall stops and disables the units and removes their files. Stop
// failures are reported and otherwise ignored so a half-installed setup
// can still be cleaned up.
func Uninstall(ctx context.Context, sd Systemd, dir string, report func(string)) error {
	for _, name := range []string{ServiceUnit, SocketUnit} {
		if err := sd.StopUnit(ctx, name); err != nil {
			report(fmt.Sprintf("stopping %s: %v", name, err))
		}
	}
	if err := sd.DisableUnits(ctx, []string{SocketUnit}); err != nil {
		report(fmt.Sprintf("disabling %s: %v", SocketUnit, err))
	}
	report("stopped and disabled botfleet")

	var errs []error
	for _, name := range []string{SocketUnit, ServiceUnit} {
		err := os.Remove(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	report("removed unit files")
	if err := sd.Reload(ctx); err != nil {
		errs = append(errs, fmt.Errorf("daemon-reload: %w", err))
	}
	return errors.Join(errs...)
}

// Describe returns one status line per unit.
func Describe(ctx context.Context, sd Systemd) []string {
	var lines []string
	if st, err := sd.GetUnit(ctx, SocketUnit); err != nil {
		lines = append(lines, SocketUnit+": not installed")
	} else {
		lines = append(lines, fmt.Sprintf("%s: %s", SocketUnit, st.State))
	}
	if st, err := sd.GetUnit(ctx, ServiceUnit); err != nil || st.State != StateActive {
		lines = append(lines, ServiceUnit+": not running")
	} else {
		lines = append(lines, fmt.Sprintf("%s: %s (PID %d)", ServiceUnit, st.State, st.MainPID))
	}
	return lines
}

// ListenAddress picks the ListenStream value from the HTTP config.
func ListenAddress(socket, listen string) string {
	if strings.TrimSpace(socket) != "" {
		return socket
	}
	return listen
}
