// Package supervisor restarts a crashed worker a bounded number of times.
// Once the budget is spent the process stays down so a persistent crash
// cause is not masked by an endless restart loop.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Run executes fn and restarts it on error or panic, up to maxRestarts
// additional attempts. A nil return from fn, or context cancellation, is a
// clean stop. The last error is returned when the budget is exhausted.
func Run(ctx context.Context, name string, maxRestarts int, fn func(context.Context) error) error {
	restarts := 0
	for {
		err := runOnce(ctx, fn)

		if ctx.Err() != nil {
			slog.Info("Worker stopped", "worker", name)
			return nil
		}
		if err == nil {
			return nil
		}

		if restarts >= maxRestarts {
			slog.Error("Worker died and restart budget is exhausted, giving up", "worker", name, "restarts", restarts, "error", err.Error())
			return err
		}
		restarts++
		slog.Warn("Worker died, restarting", "worker", name, "restart", restarts, "max", maxRestarts, "error", err.Error())
	}
}

func runOnce(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
