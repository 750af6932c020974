// botfleet-worker - a minimal worker for trying out the supervisor
//
// It reports running, prints a heartbeat line every --interval and exits
// cleanly on SIGTERM. With --fail it reports the given error and exits 1,
// which is how a worker tells the supervisor its token was rejected.
//
// To run it under the supervisor set interpreter to [] and template to
// this binary in botfleet.yaml.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/mbrock/botfleet/pkg/botctl"
)

func main() {
	interval := flag.Duration("interval", 5*time.Second, "Heartbeat interval")
	fail := flag.String("fail", "", "Report this error and exit 1")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	env, err := botctl.LoadEnv()
	if err != nil {
		logger.Error("bad environment", "error", err)
		os.Exit(2)
	}
	r, err := botctl.Dial(env)
	if err != nil {
		logger.Error("no control channel", "error", err)
		os.Exit(2)
	}
	defer r.Close()

	if *fail != "" {
		r.Error(*fail)
		logger.Error("giving up", "error", *fail)
		r.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := r.Running(); err != nil {
		logger.Warn("reporting running", "error", err)
	}
	fmt.Printf("worker %s answering %s\n", env.ID, env.Trigger)

	t := time.NewTicker(*interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("received SIGTERM, stopping")
			return
		case now := <-t.C:
			fmt.Printf("poll %s\n", now.Format(time.TimeOnly))
		}
	}
}
