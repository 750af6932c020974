package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mbrock/botfleet/internal/config"
	"github.com/mbrock/botfleet/internal/unit"
)

func report(line string) { fmt.Println(line) }

func connectSystemd(ctx context.Context) unit.Systemd {
	sd, err := unit.ConnectUserSystemd(ctx)
	if err != nil {
		fatal("%v", err)
	}
	return sd
}

func cmdInstall() {
	cfg := loadConfig()

	exe, err := os.Executable()
	if err != nil {
		fatal("finding executable: %v", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		fatal("resolving executable path: %v", err)
	}
	dir, err := unit.DefaultDir()
	if err != nil {
		fatal("%v", err)
	}
	configPath := configFlag
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	if _, err := os.Stat(configPath); err != nil {
		configPath = ""
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			fatal("%v", err)
		}
	}

	ctx := context.Background()
	sd := connectSystemd(ctx)
	defer sd.Close()

	opts := unit.Options{
		Dir:        dir,
		Exec:       exe,
		ConfigPath: configPath,
		Listen:     unit.ListenAddress(cfg.HTTP.Socket, cfg.HTTP.Listen),
	}
	if err := unit.Install(ctx, sd, opts, report); err != nil {
		fatal("%v", err)
	}
}

func cmdUninstall() {
	dir, err := unit.DefaultDir()
	if err != nil {
		fatal("%v", err)
	}
	ctx := context.Background()
	sd := connectSystemd(ctx)
	defer sd.Close()

	if err := unit.Uninstall(ctx, sd, dir, report); err != nil {
		fatal("%v", err)
	}
	report("reloaded systemd")
}

func cmdUnitStatus() {
	ctx := context.Background()
	sd := connectSystemd(ctx)
	defer sd.Close()

	for _, line := range unit.Describe(ctx, sd) {
		fmt.Println(line)
	}
}
