package trade

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// ScheduleSync registers the resting-order poll on s.
func (e *Engine) ScheduleSync(ctx context.Context, s gocron.Scheduler, every time.Duration) (gocron.Job, error) {
	return s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			n, err := e.SyncOpenOrders(ctx)
			if err != nil {
				slog.Error("open order sync failed", "err", err)
				return
			}
			if n > 0 {
				slog.Info("open order sync", "changed", n)
			}
		}),
		gocron.WithName("order-sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}
