package supervisor

import (
	"context"
	"fmt"
	"os"

	"github.com/mbrock/botfleet/internal/worker"
)

// Boot restores the fleet after a supervisor restart: workers recorded as
// starting or running are started again, and workers whose script is
// gone are marked as errored.
func (s *Supervisor) Boot(ctx context.Context) error {
	records, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}
	s.logger.Info("restoring workers", "count", len(records))

	for _, rec := range records {
		if _, live := s.Lookup(rec.ID); live {
			continue
		}
		script := s.ScriptPath(rec.ScriptPath)
		if _, err := os.Stat(script); err != nil {
			msg := fmt.Sprintf("worker script %s for %s not found during startup", rec.ScriptPath, rec.ID)
			s.reconciler.Apply(ctx, rec.ID, worker.Update{
				Status:  worker.StatusError,
				Message: msg,
				Pinned:  worker.SetPinned(msg),
			})
			s.logger.Error("worker script missing", "worker", rec.ID, "script", script)
			continue
		}
		if !rec.Status.Active() {
			continue
		}
		if err := s.Start(ctx, rec.Config()); err != nil {
			s.logger.Error("restoring worker", "worker", rec.ID, "error", err)
		}
	}
	return nil
}
