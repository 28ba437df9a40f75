package ports

import "context"

// TaskRunner schedules the queue-processing sweep after an emit. The host
// decides whether that means running inline or handing off to a background
// worker.
type TaskRunner interface {
	Run(ctx context.Context, task func(ctx context.Context))
}

// Reporter forwards qualified delivery failures to the host's
// exception-capture hook (Sentry or similar).
type Reporter interface {
	Report(ctx context.Context, err error)
}
