package dispatch

import (
	"context"
	"sort"
	"testing"
	"time"

	"eventrelay/internal/domain/event"
	"eventrelay/internal/ports"
)

// fakeEventRepository is an in-memory ports.EventRepository for adapter and
// facade tests.
type fakeEventRepository struct {
	nextID uint64
	users  map[uint64]ports.EventUser
	events map[uint64]*fakeEventRow
}

type fakeEventRow struct {
	pending    ports.PendingEvent
	deliveries map[event.Backend]*ports.DeliveryState
}

func newFakeEventRepository() *fakeEventRepository {
	return &fakeEventRepository{
		users:  map[uint64]ports.EventUser{},
		events: map[uint64]*fakeEventRow{},
	}
}

func (r *fakeEventRepository) addUser(user ports.EventUser) {
	r.users[user.ID] = user
}

func (r *fakeEventRepository) CreateEvent(_ context.Context, input ports.EventCreate) (ports.PendingEvent, error) {
	r.nextID++

	pending := ports.PendingEvent{
		ID:              r.nextID,
		Type:            input.Type,
		CreatedAt:       time.Now().UTC(),
		SessionData:     input.SessionData,
		UserProperties:  input.UserProperties,
		EventProperties: input.EventProperties,
	}
	if input.UserID != nil {
		if user, ok := r.users[*input.UserID]; ok {
			pending.User = &user
		}
	}

	requested := map[event.Backend]bool{}
	for _, b := range input.Requested {
		requested[b] = true
	}
	deliveries := map[event.Backend]*ports.DeliveryState{}
	for _, b := range event.Backends() {
		deliveries[b] = &ports.DeliveryState{Backend: b, Requested: requested[b]}
	}

	r.events[pending.ID] = &fakeEventRow{pending: pending, deliveries: deliveries}
	return pending, nil
}

func (r *fakeEventRepository) pendingIDs(backend event.Backend) []uint64 {
	var ids []uint64
	for id, row := range r.events {
		d := row.deliveries[backend]
		if d.Requested && d.ResolvedAt == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *fakeEventRepository) ClaimNext(_ context.Context, backend event.Backend) (*ports.PendingEvent, error) {
	ids := r.pendingIDs(backend)
	if len(ids) == 0 {
		return nil, nil
	}
	pending := r.events[ids[0]].pending
	return &pending, nil
}

func (r *fakeEventRepository) ClaimBatch(_ context.Context, backend event.Backend, limit int) ([]ports.PendingEvent, error) {
	ids := r.pendingIDs(backend)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	items := make([]ports.PendingEvent, 0, len(ids))
	for _, id := range ids {
		items = append(items, r.events[id].pending)
	}
	return items, nil
}

func (r *fakeEventRepository) MarkResolved(ctx context.Context, eventID uint64, backend event.Backend, status string, at time.Time) error {
	return r.MarkResolvedMany(ctx, []uint64{eventID}, backend, status, at)
}

func (r *fakeEventRepository) MarkResolvedMany(_ context.Context, eventIDs []uint64, backend event.Backend, status string, at time.Time) error {
	for _, id := range eventIDs {
		row, ok := r.events[id]
		if !ok {
			continue
		}
		d := row.deliveries[backend]
		if d.ResolvedAt != nil {
			continue
		}
		resolvedAt := at
		statusCopy := status
		d.ResolvedAt = &resolvedAt
		d.Status = &statusCopy
	}
	return nil
}

func (r *fakeEventRepository) SetRequested(_ context.Context, eventID uint64, backend event.Backend, requested bool) error {
	row, ok := r.events[eventID]
	if !ok {
		return nil
	}
	d := row.deliveries[backend]
	if d.ResolvedAt != nil {
		return nil
	}
	d.Requested = requested
	return nil
}

func (r *fakeEventRepository) GetUser(_ context.Context, id uint64) (ports.EventUser, error) {
	user, ok := r.users[id]
	if !ok {
		return ports.EventUser{}, ports.ErrUserNotFound
	}
	return user, nil
}

func (r *fakeEventRepository) CleanupOldEvents(_ context.Context, _, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeEventRepository) ListRecent(_ context.Context, _ int) ([]ports.EventSummary, error) {
	return nil, nil
}

func (r *fakeEventRepository) delivery(t *testing.T, eventID uint64, backend event.Backend) ports.DeliveryState {
	t.Helper()

	row, ok := r.events[eventID]
	if !ok {
		t.Fatalf("event %d not found", eventID)
	}
	return *row.deliveries[backend]
}

// passthroughUow runs the callback on the caller's context; the fake
// repository has no transactional state.
type passthroughUow struct{}

func (passthroughUow) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type recordingReporter struct {
	reported []error
}

func (r *recordingReporter) Report(_ context.Context, err error) {
	r.reported = append(r.reported, err)
}

func testRegistry(t *testing.T) *event.Registry {
	t.Helper()

	registry, err := event.NewRegistry([]event.Type{
		{Name: "", Backends: []event.Backend{event.BackendMixpanel}, AllowWithoutUser: true},
		{Name: "signed_up", Backends: []event.Backend{
			event.BackendAmplitude, event.BackendIntercom, event.BackendMixpanel,
			event.BackendGA4, event.BackendUserDotCom,
		}},
		{Name: "page_viewed", Backends: []event.Backend{event.BackendAmplitude}, AllowWithoutUser: true},
		{Name: "instant_signup", Backends: []event.Backend{event.BackendIntercom, event.BackendMixpanel}, InstantSendIntercom: true},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return registry
}

var testUser = ports.EventUser{
	ID:        7,
	Email:     "user@example.com",
	Username:  "user7",
	FirstName: "Tess",
	LastName:  "User",
	JoinedAt:  time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
}
