// Package dirs locates the directories botfleet keeps its files in.
package dirs

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
)

const appName = "botfleet"

// StateDir is where the record database, worker scripts and worker logs
// live. BOTFLEET_STATE_DIR wins over XDG_STATE_HOME and ~/.local/state.
func StateDir() string {
	if v := os.Getenv("BOTFLEET_STATE_DIR"); v != "" {
		return v
	}
	if dir := xdgDir("XDG_STATE_HOME", ".local", "state"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), appName+"-state")
}

// ConfigDir is searched for botfleet.yaml. Empty when neither
// XDG_CONFIG_HOME nor HOME is set.
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// xdgDir returns $env/botfleet, or $HOME/<home...>/botfleet.
func xdgDir(env string, home ...string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName)
	}
	h := os.Getenv("HOME")
	if h == "" {
		return ""
	}
	parts := append([]string{h}, home...)
	return filepath.Join(append(parts, appName)...)
}

// RuntimeDir holds the supervisor's HTTP socket. BOTFLEET_RUNTIME_DIR
// wins; without a per-user run directory a TMPDIR subdirectory named
// after the user is used.
func RuntimeDir() string {
	if v := os.Getenv("BOTFLEET_RUNTIME_DIR"); v != "" {
		return v
	}
	if base := runtimeBase(); base != "" {
		return filepath.Join(base, appName)
	}
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return filepath.Join(os.TempDir(), appName+"-"+name)
}

// runtimeBase is XDG_RUNTIME_DIR or the first per-uid run directory that
// exists, e.g. /run/user/1000.
func runtimeBase() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	u, err := user.Current()
	if err != nil {
		return ""
	}
	var candidates []string
	if runtime.GOOS == "freebsd" {
		candidates = append(candidates, filepath.Join("/var/run/xdg", u.Username))
	}
	candidates = append(candidates,
		filepath.Join("/run/user", u.Uid),
		filepath.Join("/var/run/user", u.Uid),
	)
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
