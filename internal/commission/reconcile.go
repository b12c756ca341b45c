package commission

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const reconcileBatch = 100

// Schedule registers the reconciliation sweep on s. Runs never overlap: a
// sweep still running when the next one is due pushes it back.
func (e *Engine) Schedule(ctx context.Context, s gocron.Scheduler, every time.Duration) (gocron.Job, error) {
	return s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			n, err := e.RetryPending(ctx, reconcileBatch)
			if err != nil {
				slog.Error("commission reconciliation failed", "err", err)
				return
			}
			if n > 0 {
				slog.Info("commission reconciliation", "transferred", n)
			}
		}),
		gocron.WithName("commission-reconcile"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}
