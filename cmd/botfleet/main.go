// botfleet - supervise a fleet of chat-bot worker processes
//
// Usage:
//
//	botfleet                          Show workers
//	botfleet serve                    Run the supervisor, HTTP API and D-Bus service
//	botfleet add <token> <command>    Create and start a worker
//	botfleet start|stop|restart <id>  Control a worker
//	botfleet clear-error <id>         Clear a worker's pinned error
//	botfleet inspect <id>             Compare recorded and live state
//	botfleet logs [-f] <id>           Show (and follow) a worker's log
//	botfleet rm <id>                  Stop and delete a worker
//	botfleet install|uninstall|status Manage the systemd user units
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/mbrock/botfleet/internal/config"
)

// Global flags
var (
	configFlag string
	addrFlag   string
	dbusFlag   bool
	systemFlag bool
	jsonFlag   bool
	bytesFlag  int64
	followFlag bool
	listenFlag string
)

func main() {
	flag.StringVarP(&configFlag, "config", "c", "", "Config file (overrides $"+config.EnvConfig+")")
	flag.StringVar(&addrFlag, "addr", os.Getenv("BOTFLEET_ADDR"), "Supervisor HTTP address or socket path (default from config)")
	flag.BoolVar(&dbusFlag, "dbus", false, "Talk to the supervisor over D-Bus instead of HTTP")
	flag.BoolVar(&systemFlag, "system", false, "Use the system bus with --dbus")
	flag.BoolVar(&jsonFlag, "json", false, "Print JSON instead of tables")
	flag.Int64Var(&bytesFlag, "bytes", 0, "How much of the log to show (default 500 KiB)")
	flag.BoolVarP(&followFlag, "follow", "f", false, "Keep printing the log as it grows")
	flag.StringVar(&listenFlag, "listen", "", "Override the HTTP listen address for serve and install")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `botfleet - supervise a fleet of chat-bot worker processes

Usage:
  botfleet                            Show workers
  botfleet ls                         Show workers
  botfleet serve                      Run the supervisor, HTTP API and D-Bus service
  botfleet add <token> <command>      Create a worker from the template and start it
  botfleet start <id>                 Start a worker
  botfleet stop <id>                  Stop a worker
  botfleet restart <id>               Stop and start a worker
  botfleet clear-error <id>           Clear a worker's pinned error
  botfleet inspect <id>               Compare recorded and live state
  botfleet logs [-f] <id>             Show a worker's log
  botfleet rm <id>                    Stop and delete a worker
  botfleet install                    Install socket-activated systemd user units
  botfleet uninstall                  Remove the systemd user units
  botfleet status                     Show the systemd unit state

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		cmdList()
		return
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "serve":
		cmdServe()
	case "ls", "list":
		cmdList()
	case "add":
		if len(cmdArgs) < 2 {
			fatal("usage: botfleet add <token> <status-command>")
		}
		cmdAdd(cmdArgs[0], cmdArgs[1])
	case "start", "stop", "restart", "clear-error", "rm":
		if len(cmdArgs) == 0 {
			fatal("usage: botfleet %s <id>", cmd)
		}
		cmdAction(cmd, cmdArgs[0])
	case "inspect":
		if len(cmdArgs) == 0 {
			fatal("usage: botfleet inspect <id>")
		}
		cmdInspect(cmdArgs[0])
	case "logs":
		if len(cmdArgs) == 0 {
			fatal("usage: botfleet logs [-f] <id>")
		}
		cmdLogs(cmdArgs[0])
	case "install":
		cmdInstall()
	case "uninstall":
		cmdUninstall()
	case "status":
		cmdUnitStatus()
	default:
		fatal("unknown command: %s", cmd)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configFlag)
	if err != nil {
		fatal("%v", err)
	}
	if listenFlag != "" {
		cfg.HTTP.Listen = listenFlag
		cfg.HTTP.Socket = ""
	}
	return cfg
}

// commandContext bounds one client request.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// formatAge converts a time to a relative age like "2m", "1h", "3d".
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
