package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/mbrock/botfleet/internal/control"
	controldbus "github.com/mbrock/botfleet/internal/control/dbus"
	"github.com/mbrock/botfleet/internal/control/httpapi"
	"github.com/mbrock/botfleet/internal/fleet"
	"github.com/mbrock/botfleet/internal/store"
	"github.com/mbrock/botfleet/internal/worker"
)

// serverAddr returns --addr, else the address serve would listen on.
func serverAddr() string {
	if addrFlag != "" {
		return addrFlag
	}
	cfg := loadConfig()
	if cfg.HTTP.Socket != "" {
		return cfg.HTTP.Socket
	}
	return cfg.HTTP.Listen
}

func connect() control.Plane {
	if dbusFlag {
		c, err := controldbus.Dial(systemFlag)
		if err != nil {
			fatal("%v", err)
		}
		return c
	}
	c, err := httpapi.Dial(serverAddr())
	if err != nil {
		fatal("%v", err)
	}
	return c
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("%v", err)
	}
}

// describe turns a client error into a message for the operator.
func describe(id string, err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("no worker %s", id)
	case errors.Is(err, store.ErrExists):
		return "a worker with this token already exists"
	default:
		return err.Error()
	}
}

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorYel   = "\033[33m"
	colorGray  = "\033[90m"
)

func colorize(status worker.Status, tty bool) string {
	s := fmt.Sprintf("%-8s", status)
	if !tty {
		return s
	}
	switch status {
	case worker.StatusRunning:
		return colorGreen + s + colorReset
	case worker.StatusStarting:
		return colorYel + s + colorReset
	case worker.StatusError:
		return colorRed + s + colorReset
	default:
		return colorGray + s + colorReset
	}
}

func cmdList() {
	c := connect()
	defer c.Close()
	ctx, cancel := commandContext()
	defer cancel()

	entries, err := c.List(ctx)
	if err != nil {
		fatal("listing workers: %v", err)
	}
	if jsonFlag {
		printJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("no workers")
		fmt.Println("botfleet add <token> <status-command>")
		return
	}

	tty := term.IsTerminal(int(os.Stdout.Fd()))
	fmt.Printf("%-32s %-8s %-6s %-8s %-12s %s\n", "ID", "STATUS", "AGE", "PID", "TRIGGER", "MESSAGE")
	for _, e := range entries {
		pid := "-"
		if e.Live != nil {
			pid = fmt.Sprint(e.Live.PID)
		}
		msg := e.LastMessage
		if e.PinnedError != nil {
			msg = "! " + *e.PinnedError
		}
		fmt.Printf("%-32s %s %-6s %-8s %-12s %s\n",
			e.ID, colorize(e.Status, tty), formatAge(e.CreatedAt), pid, truncate(e.Trigger, 12), truncate(msg, 60))
	}
}

func cmdAdd(token, trigger string) {
	c := connect()
	defer c.Close()
	ctx, cancel := commandContext()
	defer cancel()

	rec, err := c.Add(ctx, fleet.AddRequest{Token: token, Trigger: trigger})
	if err != nil {
		fatal("adding worker: %s", describe("", err))
	}
	if jsonFlag {
		printJSON(rec)
		return
	}
	fmt.Printf("%s added (%s)\n", rec.ID, rec.ScriptPath)
}

func cmdAction(action, id string) {
	c := connect()
	defer c.Close()
	ctx, cancel := commandContext()
	defer cancel()

	var err error
	var done string
	switch action {
	case "start":
		err, done = c.Start(ctx, id), "started"
	case "stop":
		err, done = c.Stop(ctx, id), "stopped"
	case "restart":
		err, done = c.Restart(ctx, id), "restarted"
	case "clear-error":
		err, done = c.ClearError(ctx, id), "error cleared"
	case "rm":
		err, done = c.Delete(ctx, id), "deleted"
	}
	if err != nil {
		fatal("%s %s: %s", action, id, describe(id, err))
	}
	fmt.Printf("%s %s\n", id, done)
}

func cmdInspect(id string) {
	c := connect()
	defer c.Close()
	ctx, cancel := commandContext()
	defer cancel()

	in, err := c.Inspect(ctx, id)
	if err != nil {
		fatal("inspecting %s: %s", id, describe(id, err))
	}
	if jsonFlag {
		printJSON(in)
		return
	}
	fmt.Printf("process:  %s\n", in.Process)
	fmt.Printf("message:  %s\n", in.Message)
	fmt.Printf("recorded: %s", in.Status)
	if in.LastMessage != "" {
		fmt.Printf(" (%s)", in.LastMessage)
	}
	fmt.Println()
	if in.PinnedError != nil {
		fmt.Printf("pinned:   %s", *in.PinnedError)
		if in.PinnedAt != nil {
			fmt.Printf(" at %s", in.PinnedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	}
}

func cmdLogs(id string) {
	c := connect()
	defer c.Close()

	ctx, cancel := commandContext()
	tail, err := c.Logs(ctx, id, bytesFlag)
	cancel()
	if err != nil {
		fatal("reading logs of %s: %s", id, describe(id, err))
	}
	fmt.Print(tail.String())
	if !followFlag {
		return
	}

	hc, ok := c.(*httpapi.Client)
	if !ok {
		fatal("--follow needs the HTTP API")
	}
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := hc.Follow(sigCtx, id, tail.Size, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fatal("following logs of %s: %v", id, err)
	}
}
