package dispatch

import (
	"context"
	"log/slog"

	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/errs"
	"eventrelay/internal/ports"
)

// InlineRunner executes tasks synchronously on the caller's goroutine.
// Tests and one-shot commands use it so queue processing finishes before
// the command returns.
type InlineRunner struct{}

func (InlineRunner) Run(ctx context.Context, task func(context.Context)) {
	task(ctx)
}

// BackgroundRunner executes tasks on a fresh goroutine. The task context
// is detached from the caller's cancellation so an HTTP request finishing
// does not abort an in-flight sweep.
type BackgroundRunner struct{}

func (BackgroundRunner) Run(ctx context.Context, task func(context.Context)) {
	go task(context.WithoutCancel(ctx))
}

// NewRunner maps a scheduler mode name to a runner. Unknown modes fall
// back to inline, which is the safe default.
func NewRunner(mode string) ports.TaskRunner {
	if mode == "background" {
		return BackgroundRunner{}
	}
	return InlineRunner{}
}

// LogReporter reports delivery failures to the context logger. It stands
// in for an external error tracker when none is configured.
type LogReporter struct{}

func (LogReporter) Report(ctx context.Context, err error) {
	logging.Error(ctx, "delivery error reported", slog.Any("error", errs.Loggable(err)))
}
