package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"eventrelay/internal/domain/event"
	"eventrelay/internal/errs"
	"eventrelay/internal/infrastructure/persistence/gormdb/model"
	"eventrelay/internal/ports"
)

type EventRepository struct {
	db *gorm.DB
}

var _ ports.EventRepository = (*EventRepository)(nil)

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) dbFromContext(ctx context.Context) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	tx := ports.TxFromContext(ctx)
	if tx == nil {
		return r.db.WithContext(ctx), nil
	}

	gormTx, ok := tx.(*gorm.DB)
	if !ok || gormTx == nil {
		return nil, fmt.Errorf("invalid tx in context: %T", tx)
	}
	return gormTx.WithContext(ctx), nil
}

func (r *EventRepository) CreateEvent(ctx context.Context, input ports.EventCreate) (ports.PendingEvent, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.PendingEvent{}, err
	}

	requested := make(map[event.Backend]bool, len(input.Requested))
	for _, b := range input.Requested {
		if !b.Valid() {
			return ports.PendingEvent{}, fmt.Errorf("unknown backend %q", b)
		}
		requested[b] = true
	}

	row := model.Event{
		EventType:       input.Type,
		CreatedAt:       time.Now().UTC(),
		UserID:          input.UserID,
		SessionData:     datatypes.JSONMap(input.SessionData),
		UserProperties:  datatypes.JSONMap(input.UserProperties),
		EventProperties: datatypes.JSONMap(input.EventProperties),
	}
	for _, b := range event.Backends() {
		row.Deliveries = append(row.Deliveries, model.EventDelivery{
			Backend:   string(b),
			Requested: requested[b],
		})
	}

	if err := db.Create(&row).Error; err != nil {
		return ports.PendingEvent{}, errs.Wrap(err, "insert event")
	}

	return r.loadPending(db, row.EventID)
}

// claimLock appends FOR UPDATE SKIP LOCKED on dialects that support it.
// SQLite serializes writers at the connection level, so the clause is
// omitted there.
func (r *EventRepository) claimLock(query *gorm.DB) *gorm.DB {
	if r.db.Dialector.Name() != "postgres" {
		return query
	}
	return query.Clauses(clause.Locking{
		Strength: clause.LockingStrengthUpdate,
		Table:    clause.Table{Name: "event_deliveries"},
		Options:  clause.LockingOptionsSkipLocked,
	})
}

func (r *EventRepository) claimIDs(ctx context.Context, backend event.Backend, limit int) ([]uint64, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&model.EventDelivery{}).
		Select("event_deliveries.event_id").
		Joins("JOIN events ON events.event_id = event_deliveries.event_id").
		Where("event_deliveries.backend = ? AND event_deliveries.requested = ? AND event_deliveries.resolved_at IS NULL",
			string(backend), true).
		Order("events.created_at asc, events.event_id asc").
		Limit(limit)

	var ids []uint64
	if err := r.claimLock(query).Scan(&ids).Error; err != nil {
		return nil, errs.Wrap(err, "claim pending deliveries")
	}
	return ids, nil
}

func (r *EventRepository) ClaimNext(ctx context.Context, backend event.Backend) (*ports.PendingEvent, error) {
	ids, err := r.claimIDs(ctx, backend, 1)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := r.loadPending(db, ids[0])
	if err != nil {
		return nil, err
	}
	return &pending, nil
}

func (r *EventRepository) ClaimBatch(ctx context.Context, backend event.Backend, limit int) ([]ports.PendingEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := r.claimIDs(ctx, backend, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]ports.PendingEvent, 0, len(ids))
	for _, id := range ids {
		pending, err := r.loadPending(db, id)
		if err != nil {
			return nil, err
		}
		items = append(items, pending)
	}
	return items, nil
}

func (r *EventRepository) MarkResolved(ctx context.Context, eventID uint64, backend event.Backend, status string, at time.Time) error {
	return r.MarkResolvedMany(ctx, []uint64{eventID}, backend, status, at)
}

func (r *EventRepository) MarkResolvedMany(ctx context.Context, eventIDs []uint64, backend event.Backend, status string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}

	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	// resolved_at is terminal: a row already resolved is never rewritten.
	if err := db.Model(&model.EventDelivery{}).
		Where("event_id IN ? AND backend = ? AND resolved_at IS NULL", eventIDs, string(backend)).
		Updates(map[string]any{
			"resolved_at": at,
			"status":      status,
		}).Error; err != nil {
		return errs.Wrap(err, "mark delivery resolved")
	}
	return nil
}

func (r *EventRepository) SetRequested(ctx context.Context, eventID uint64, backend event.Backend, requested bool) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	if err := db.Model(&model.EventDelivery{}).
		Where("event_id = ? AND backend = ? AND resolved_at IS NULL", eventID, string(backend)).
		Update("requested", requested).Error; err != nil {
		return errs.Wrap(err, "update delivery requested flag")
	}
	return nil
}

func (r *EventRepository) GetUser(ctx context.Context, id uint64) (ports.EventUser, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.EventUser{}, err
	}

	var row model.User
	if err := db.Where("user_id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.EventUser{}, ports.ErrUserNotFound
		}
		return ports.EventUser{}, errs.Wrap(err, "query user")
	}
	return mapUser(row), nil
}

func (r *EventRepository) CleanupOldEvents(ctx context.Context, shortBefore, longBefore time.Time) (int64, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return 0, err
	}

	var ids []uint64
	if err := db.Model(&model.Event{}).
		Select("events.event_id").
		Where("events.created_at < ?", shortBefore).
		Where("NOT EXISTS (?)", db.Session(&gorm.Session{NewDB: true}).
			Model(&model.EventDelivery{}).
			Select("1").
			Where("event_deliveries.event_id = events.event_id").
			Where("event_deliveries.requested = ? AND event_deliveries.resolved_at IS NULL", true)).
		Scan(&ids).Error; err != nil {
		return 0, errs.Wrap(err, "find finished events")
	}

	var stale []uint64
	if err := db.Model(&model.Event{}).
		Select("event_id").
		Where("created_at < ?", longBefore).
		Scan(&stale).Error; err != nil {
		return 0, errs.Wrap(err, "find stale events")
	}
	ids = append(ids, stale...)

	if len(ids) == 0 {
		return 0, nil
	}

	if err := db.Where("event_id IN ?", ids).Delete(&model.EventDelivery{}).Error; err != nil {
		return 0, errs.Wrap(err, "delete event deliveries")
	}
	result := db.Where("event_id IN ?", ids).Delete(&model.Event{})
	if result.Error != nil {
		return 0, errs.Wrap(result.Error, "delete events")
	}
	return result.RowsAffected, nil
}

func (r *EventRepository) ListRecent(ctx context.Context, limit int) ([]ports.EventSummary, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var rows []model.Event
	if err := db.Preload("User").Preload("Deliveries").
		Order("created_at desc, event_id desc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query recent events")
	}

	items := make([]ports.EventSummary, 0, len(rows))
	for _, row := range rows {
		summary := ports.EventSummary{
			ID:        row.EventID,
			Type:      row.EventType,
			CreatedAt: row.CreatedAt,
		}
		if row.User != nil {
			summary.UserEmail = row.User.Email
		}
		for _, d := range row.Deliveries {
			summary.Deliveries = append(summary.Deliveries, ports.DeliveryState{
				Backend:    event.Backend(d.Backend),
				Requested:  d.Requested,
				ResolvedAt: d.ResolvedAt,
				Status:     d.Status,
			})
		}
		items = append(items, summary)
	}
	return items, nil
}

func (r *EventRepository) loadPending(db *gorm.DB, eventID uint64) (ports.PendingEvent, error) {
	var row model.Event
	if err := db.Preload("User").Where("event_id = ?", eventID).Take(&row).Error; err != nil {
		return ports.PendingEvent{}, errs.Wrap(err, "load event")
	}

	pending := ports.PendingEvent{
		ID:              row.EventID,
		Type:            row.EventType,
		CreatedAt:       row.CreatedAt,
		SessionData:     map[string]any(row.SessionData),
		UserProperties:  map[string]any(row.UserProperties),
		EventProperties: map[string]any(row.EventProperties),
	}
	if row.User != nil {
		user := mapUser(*row.User)
		pending.User = &user
	}
	return pending, nil
}

func mapUser(row model.User) ports.EventUser {
	return ports.EventUser{
		ID:        row.UserID,
		Email:     row.Email,
		Username:  row.Username,
		FirstName: row.FirstName,
		LastName:  row.LastName,
		JoinedAt:  row.JoinedAt,
	}
}
