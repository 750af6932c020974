package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/mbrock/botfleet/internal/config"
	controldbus "github.com/mbrock/botfleet/internal/control/dbus"
	"github.com/mbrock/botfleet/internal/fleet"
	"github.com/mbrock/botfleet/internal/server"
	"github.com/mbrock/botfleet/internal/store/sqlitestore"
	"github.com/mbrock/botfleet/internal/supervisor"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if os.Getenv("BOTFLEET_DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// cmdServe runs the supervisor until SIGINT or SIGTERM, then stops every
// worker within the configured shutdown timeout.
func cmdServe() {
	cfg := loadConfig()
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := cfg.EnsureDirs(); err != nil {
		fatal("%v", err)
	}

	st, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.Database, Logger: logger})
	if err != nil {
		fatal("%v", err)
	}
	defer st.Close()

	sup := supervisor.New(supervisor.Config{
		Store:         st,
		Logger:        logger,
		LogsDir:       cfg.LogsDir,
		ScriptRoot:    cfg.Root,
		Interpreter:   cfg.Interpreter,
		Journal:       cfg.Journal.Enabled,
		JournalSocket: cfg.Journal.Socket,
		StopTimeout:   time.Duration(cfg.StopTimeout),
		KillGrace:     time.Duration(cfg.KillGrace),
		DrainTimeout:  time.Duration(cfg.DrainTimeout),
	})
	mgr := fleet.New(fleet.Config{
		Store:      st,
		Supervisor: sup,
		Logger:     logger,
		Root:       cfg.Root,
		AppsDir:    cfg.AppsDir,
		LogsDir:    cfg.LogsDir,
		Template:   cfg.Template,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Boot(ctx); err != nil {
		fatal("restoring workers: %v", err)
	}

	srv := server.New(server.Config{Ops: mgr, LogPath: mgr.LogPath, Logger: logger})
	ln, err := server.GetListener(cfg.HTTP.Socket, cfg.HTTP.Listen)
	if err != nil {
		fatal("getting listener: %v", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Info("http listening", "addr", ln.Addr().String())

	if cfg.DBus.Enabled {
		conn, err := controldbus.Connect(cfg.DBus.System)
		if err != nil {
			fatal("%v", err)
		}
		defer conn.Close()
		if err := controldbus.Export(conn, controldbus.NewService(mgr, logger)); err != nil {
			fatal("%v", err)
		}
		logger.Info("dbus service exported", "name", controldbus.BusName, "system", cfg.DBus.System)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", "error", err)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		logger.Error("http server failed", "error", err)
		exitCode = 1
	}
	stop()
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	pending, err := sup.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("workers still stopping at shutdown deadline", "pending", strings.Join(pending, ","), "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintf(os.Stderr, "forced exit with %d worker(s) still stopping\n", len(pending))
		}
		exitCode = 1
	}
	if exitCode != 0 {
		st.Close()
		os.Exit(exitCode)
	}
}
