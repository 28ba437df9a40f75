package dispatch

import (
	"context"
	"log/slog"
	"time"

	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/ports"
)

const (
	statusOK         = "ok"
	statusUserMissed = "error: user missed"
)

// adapter drains one backend's pending queue. processed counts rows that
// consumed batch quota; a return of 0 means the queue is exhausted (or the
// backend asked to pause).
type adapter interface {
	Backend() event.Backend
	ProcessBatch(ctx context.Context, max int) (processed int, err error)
}

// rowPusher delivers one claimed row to its backend. Every path must either
// resolve the row or return OutcomePause; the claimer relies on that to
// terminate.
type rowPusher interface {
	Backend() event.Backend
	PushEvent(ctx context.Context, ev *ports.PendingEvent) (event.Outcome, error)
}

// rowClaimer is the shared polling primitive for per-row backends: claim
// the oldest pending row under a skip-locked read, validate, delegate,
// repeat until the quota is reached or the queue drains.
type rowClaimer struct {
	repo     ports.EventRepository
	uow      ports.UnitOfWork
	registry *event.Registry
	pusher   rowPusher
}

func newRowClaimer(repo ports.EventRepository, uow ports.UnitOfWork, registry *event.Registry, pusher rowPusher) *rowClaimer {
	return &rowClaimer{
		repo:     repo,
		uow:      uow,
		registry: registry,
		pusher:   pusher,
	}
}

func (c *rowClaimer) Backend() event.Backend { return c.pusher.Backend() }

func (c *rowClaimer) ProcessBatch(ctx context.Context, max int) (int, error) {
	backend := c.pusher.Backend()
	processed := 0

	for processed < max {
		var outcome event.Outcome
		claimed := false

		// One transaction per row: the lock covers the claim, the push and
		// the status write, so concurrent workers skip this row entirely.
		err := c.uow.WithTx(ctx, func(txCtx context.Context) error {
			ev, err := c.repo.ClaimNext(txCtx, backend)
			if err != nil {
				return err
			}
			if ev == nil {
				return nil
			}
			claimed = true

			out, resolved, err := c.validate(txCtx, ev)
			if err != nil {
				return err
			}
			if resolved {
				outcome = out
				return nil
			}

			outcome, err = c.pusher.PushEvent(txCtx, ev)
			return err
		})
		if err != nil {
			return processed, err
		}
		if !claimed {
			break
		}

		switch outcome {
		case event.OutcomeContinue:
		case event.OutcomePause:
			c.logProcessed(ctx, processed)
			return processed, nil
		default:
			processed++
		}
	}

	c.logProcessed(ctx, processed)
	return processed, nil
}

// validate is the shared guard applied before any backend-specific work:
// rows without a user resolve as "user missed" unless the event type
// explicitly allows user-less events.
func (c *rowClaimer) validate(ctx context.Context, ev *ports.PendingEvent) (event.Outcome, bool, error) {
	if ev.User != nil {
		return 0, false, nil
	}

	eventType, known := c.registry.Get(ev.Type)
	if known && eventType.AllowWithoutUser {
		return 0, false, nil
	}
	if known {
		logging.Warn(ctx, "attempt to dispatch event without user",
			slog.String("backend", c.pusher.Backend().String()),
			slog.String("event_type", ev.Type),
		)
	}

	if err := c.repo.MarkResolved(ctx, ev.ID, c.pusher.Backend(), statusUserMissed, time.Now().UTC()); err != nil {
		return 0, false, err
	}
	return event.OutcomeContinue, true, nil
}

func (c *rowClaimer) logProcessed(ctx context.Context, processed int) {
	if processed == 0 {
		return
	}
	logging.Info(ctx, "sent events to backend",
		slog.String("backend", c.pusher.Backend().String()),
		slog.Int("count", processed),
	)
}
