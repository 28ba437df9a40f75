package ports

import (
	"context"
	"errors"
	"time"

	"eventrelay/internal/domain/event"
)

var ErrUserNotFound = errors.New("user not found")

// EventUser is the slice of the host user the adapters need (Intercom and
// user.com create remote user records from it, Amplitude keys on the email).
type EventUser struct {
	ID        uint64
	Email     string
	Username  string
	FirstName string
	LastName  string
	JoinedAt  time.Time
}

// PendingEvent is one claimed event row handed to an adapter.
type PendingEvent struct {
	ID              uint64
	Type            string
	CreatedAt       time.Time
	User            *EventUser
	SessionData     map[string]any
	UserProperties  map[string]any
	EventProperties map[string]any
}

// DeviceID returns the device identifier captured in the session snapshot,
// or "" when the caller context carried none.
func (e *PendingEvent) DeviceID() string {
	if v, ok := e.SessionData["device_id"].(string); ok {
		return v
	}
	return ""
}

// EventCreate describes one event row to persist, with the per-backend
// request decision already made by the dispatcher facade.
type EventCreate struct {
	UserID          *uint64
	Type            string
	SessionData     map[string]any
	UserProperties  map[string]any
	EventProperties map[string]any
	Requested       []event.Backend
}

// DeliveryState is one backend's delivery record for an event row.
type DeliveryState struct {
	Backend    event.Backend
	Requested  bool
	ResolvedAt *time.Time
	Status     *string
}

// EventSummary is the operator-facing view of one event row.
type EventSummary struct {
	ID         uint64
	Type       string
	CreatedAt  time.Time
	UserEmail  string
	Deliveries []DeliveryState
}

// EventRepository is the datastore contract for the event queue.
//
// ClaimNext and ClaimBatch must run inside a transaction (UnitOfWork) and
// take a non-blocking row lock that skips rows locked by concurrent
// claimers, so parallel workers partition pending rows without blocking.
type EventRepository interface {
	CreateEvent(ctx context.Context, input EventCreate) (PendingEvent, error)

	// ClaimNext locks and returns the oldest pending row for backend, or
	// nil when none qualifies.
	ClaimNext(ctx context.Context, backend event.Backend) (*PendingEvent, error)

	// ClaimBatch locks and returns up to limit pending rows, oldest first.
	ClaimBatch(ctx context.Context, backend event.Backend, limit int) ([]PendingEvent, error)

	// MarkResolved terminally records one backend's outcome for a row.
	// A row already resolved for that backend is left untouched.
	MarkResolved(ctx context.Context, eventID uint64, backend event.Backend, status string, at time.Time) error
	MarkResolvedMany(ctx context.Context, eventIDs []uint64, backend event.Backend, status string, at time.Time) error

	// SetRequested flips a backend's "should send" flag on an unresolved row.
	SetRequested(ctx context.Context, eventID uint64, backend event.Backend, requested bool) error

	GetUser(ctx context.Context, id uint64) (EventUser, error)

	// CleanupOldEvents deletes rows created before shortBefore with no
	// pending requested delivery, and any row created before longBefore.
	CleanupOldEvents(ctx context.Context, shortBefore, longBefore time.Time) (int64, error)

	ListRecent(ctx context.Context, limit int) ([]EventSummary, error)
}
