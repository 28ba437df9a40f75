package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"eventrelay/internal/bootstrap/config"
	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/errs"
	"eventrelay/internal/ports"
)

// Service is the dispatcher facade: it records incoming events and drains
// the per-backend queues.
type Service struct {
	repo     ports.EventRepository
	uow      ports.UnitOfWork
	registry *event.Registry
	runner   ports.TaskRunner
	reporter ports.Reporter

	appVersion     string
	batchSize      int
	retentionShort time.Duration
	retentionLong  time.Duration

	intercom *intercomAdapter
	adapters []adapter
}

func NewService(
	repo ports.EventRepository,
	uow ports.UnitOfWork,
	registry *event.Registry,
	runner ports.TaskRunner,
	reporter ports.Reporter,
	cfg config.Config,
) *Service {
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}

	intercom := newIntercomAdapter(repo, reporter, cfg.Backends.Intercom.AccessToken, httpClient)

	claim := func(p rowPusher) adapter {
		return newRowClaimer(repo, uow, registry, p)
	}

	return &Service{
		repo:           repo,
		uow:            uow,
		registry:       registry,
		runner:         runner,
		reporter:       reporter,
		appVersion:     cfg.App.Version,
		batchSize:      cfg.Dispatch.BatchSize,
		retentionShort: time.Duration(cfg.Dispatch.RetentionShortDays) * 24 * time.Hour,
		retentionLong:  time.Duration(cfg.Dispatch.RetentionLongDays) * 24 * time.Hour,
		intercom:       intercom,
		adapters: []adapter{
			newAmplitudeAdapter(repo, uow, cfg.Backends.Amplitude.APIKey, cfg.Dispatch.AmplitudeBatchSize, httpClient),
			claim(intercom),
			claim(newUserDotComAdapter(repo, cfg.Backends.UserDotCom, httpClient)),
			claim(newMixpanelAdapter(repo, cfg.Backends.Mixpanel.Token)),
			claim(newGA4Adapter(repo, cfg.Backends.GA4, httpClient)),
		},
	}
}

// EmitInput describes one incoming analytics event. At most one of User,
// UserID and Request.AuthenticatedUserID should carry the actor; they are
// consulted in that order.
type EmitInput struct {
	Type            string
	Request         *RequestContext
	User            *ports.EventUser
	UserID          *uint64
	UserProperties  map[string]any
	EventProperties map[string]any

	// InstantSendIntercom forces the synchronous Intercom path regardless
	// of the registry declaration.
	InstantSendIntercom bool
}

// Emit records one event row and schedules a queue sweep. Events of an
// unregistered type are dropped with a log line; emitting must never fail
// the caller's request over a typo in the registry.
func (s *Service) Emit(ctx context.Context, input EmitInput) error {
	eventType, known := s.registry.Get(input.Type)
	if !known {
		logging.Error(ctx, "attempt to emit unregistered event type",
			slog.String("event_type", input.Type))
		return nil
	}

	user, err := s.resolveUser(ctx, input)
	if err != nil {
		return err
	}

	instant := input.InstantSendIntercom || eventType.InstantSendIntercom

	requested := make([]event.Backend, 0, len(eventType.Backends))
	for _, b := range eventType.Backends {
		if instant && b == event.BackendIntercom {
			continue
		}
		requested = append(requested, b)
	}

	create := ports.EventCreate{
		Type:            input.Type,
		SessionData:     buildSessionData(s.appVersion, input.Request),
		UserProperties:  input.UserProperties,
		EventProperties: input.EventProperties,
		Requested:       requested,
	}
	if user != nil {
		create.UserID = &user.ID
	}

	row, err := s.repo.CreateEvent(ctx, create)
	if err != nil {
		return errs.Wrap(err, "create event")
	}

	// The instant flag alone decides the synchronous send; a type that does
	// not list Intercom still reaches it when the caller asks for it.
	if instant {
		s.sendIntercomInstant(ctx, &row)
	}

	s.runner.Run(ctx, func(taskCtx context.Context) {
		s.ProcessEventQueue(taskCtx, true)
	})
	return nil
}

// UpdateUser pushes a property change for a user without a visible event.
// It rides the Mixpanel identify path: an event with an empty type name and
// the user id folded into the user properties.
func (s *Service) UpdateUser(ctx context.Context, userID uint64, properties map[string]any) error {
	props := make(map[string]any, len(properties)+1)
	for k, v := range properties {
		props[k] = v
	}
	props["user_id"] = userID

	return s.Emit(ctx, EmitInput{
		Type:           "",
		UserProperties: props,
	})
}

// ProcessEventQueue drains every backend queue once. A failure in one
// backend is reported and logged but does not stop the others. When clean
// is set, expired rows are removed afterwards.
func (s *Service) ProcessEventQueue(ctx context.Context, clean bool) {
	for _, a := range s.adapters {
		if err := s.drain(ctx, a); err != nil {
			logging.Error(ctx, "event queue processing failed",
				slog.String("backend", a.Backend().String()),
				slog.Any("error", errs.Loggable(err)),
			)
			s.reporter.Report(ctx, err)
		}
	}

	if clean {
		if err := s.CleanupOldEvents(ctx); err != nil {
			logging.Error(ctx, "event cleanup failed", slog.Any("error", errs.Loggable(err)))
			s.reporter.Report(ctx, err)
		}
	}
}

// drain runs ProcessBatch until the backend reports an empty batch. A
// paused backend converges to zero on the next call because the paused
// row is claimed first and pauses again immediately.
func (s *Service) drain(ctx context.Context, a adapter) error {
	for {
		processed, err := a.ProcessBatch(ctx, s.batchSize)
		if err != nil {
			return err
		}
		if processed == 0 {
			return nil
		}
	}
}

// CleanupOldEvents removes fully delivered rows past the short retention
// window and any row past the long window.
func (s *Service) CleanupOldEvents(ctx context.Context) error {
	now := time.Now().UTC()
	deleted, err := s.repo.CleanupOldEvents(ctx, now.Add(-s.retentionShort), now.Add(-s.retentionLong))
	if err != nil {
		return errs.Wrap(err, "cleanup old events")
	}
	if deleted > 0 {
		logging.Info(ctx, "cleaned up old events", slog.Int64("deleted", deleted))
	}
	return nil
}

// ListRecentEvents returns the newest event rows with their per-backend
// delivery states, for the operator console.
func (s *Service) ListRecentEvents(ctx context.Context, limit int) ([]ports.EventSummary, error) {
	summaries, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, errs.Wrap(err, "list recent events")
	}
	return summaries, nil
}

func (s *Service) resolveUser(ctx context.Context, input EmitInput) (*ports.EventUser, error) {
	if input.User != nil {
		return input.User, nil
	}

	var id *uint64
	switch {
	case input.UserID != nil:
		id = input.UserID
	case input.Request != nil && input.Request.AuthenticatedUserID != nil:
		id = input.Request.AuthenticatedUserID
	default:
		return nil, nil
	}

	user, err := s.repo.GetUser(ctx, *id)
	if err != nil {
		if errors.Is(err, ports.ErrUserNotFound) {
			logging.Warn(ctx, "emit references unknown user", slog.Uint64("user_id", *id))
			return nil, nil
		}
		return nil, errs.Wrap(err, "resolve event user")
	}
	return &user, nil
}

// sendIntercomInstant delivers the freshly created row to Intercom on the
// caller's goroutine. On a pause outcome the row is handed back to the
// regular queue by flipping its Intercom request flag on.
func (s *Service) sendIntercomInstant(ctx context.Context, row *ports.PendingEvent) {
	outcome, err := s.intercom.PushEvent(ctx, row)
	if err != nil {
		logging.Error(ctx, "instant intercom send failed",
			slog.Uint64("event_id", row.ID), slog.Any("error", errs.Loggable(err)))
		s.reporter.Report(ctx, err)
		return
	}
	if outcome != event.OutcomePause {
		return
	}
	if err := s.repo.SetRequested(ctx, row.ID, event.BackendIntercom, true); err != nil {
		logging.Error(ctx, "requeue instant intercom event failed",
			slog.Uint64("event_id", row.ID), slog.Any("error", errs.Loggable(err)))
		s.reporter.Report(ctx, err)
	}
}
