package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule runs an incremental sync on a cron schedule until the
// returned stop function is called. The expression is validated up
// front; ticks that land while a run is still in flight are dropped by
// the engine's single-flight guard.
func (e *Engine) Schedule(expr string, staleness time.Duration) (func(), error) {
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				due, err := g.IsDue(expr, now)
				if err != nil || !due {
					continue
				}
				if _, err := e.IncrementalSync(ctx, staleness); err != nil && !errors.Is(err, ErrSyncRunning) {
					e.logger.Error("scheduled_sync_failed", "error", err)
				}
			}
		}
	}()
	e.logger.Info("sync_schedule_started", "cron", expr, "staleness", staleness.String())
	return cancel, nil
}
