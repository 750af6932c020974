package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultShutdownTimeout bounds Shutdown when the caller has no deadline.
const DefaultShutdownTimeout = 10 * time.Second

// Shutdown refuses further starts and stops every live worker
// concurrently. It returns when all stops settled or ctx is done, in which
// case pending lists the workers whose stop had not finished.
func (s *Supervisor) Shutdown(ctx context.Context) (pending []string, err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	s.mu.Lock()
	s.closing = true
	seen := make(map[string]bool, len(s.live)+len(s.retired))
	for id := range s.live {
		seen[id] = true
	}
	for id := range s.retired {
		seen[id] = true
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.logger.Info("shutting down workers", "count", len(ids))

	var (
		mu   sync.Mutex
		done = make(map[string]bool, len(ids))
		wg   sync.WaitGroup
	)
	// Stops outlive ctx so their status writes still land.
	stopCtx := context.WithoutCancel(ctx)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(stopCtx, id)
			mu.Lock()
			done[id] = true
			mu.Unlock()
		}()
	}

	all := make(chan struct{})
	go func() {
		wg.Wait()
		close(all)
	}()

	select {
	case <-all:
		s.logger.Info("all workers stopped")
		return nil, nil
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	s.logger.Warn("shutdown deadline reached", "pending", pending)
	return pending, ctx.Err()
}
