package repository

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"eventrelay/internal/domain/event"
	"eventrelay/internal/infrastructure/persistence/gormdb/model"
	"eventrelay/internal/infrastructure/persistence/gormdb/uow"
	"eventrelay/internal/ports"
)

func setupEventRepository(t *testing.T) (*EventRepository, *gorm.DB) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "events.sqlite")
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&model.User{}, &model.Event{}, &model.EventDelivery{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return NewEventRepository(db), db
}

func createUser(t *testing.T, db *gorm.DB, email string) uint64 {
	t.Helper()

	row := model.User{
		Email:     email,
		Username:  email,
		FirstName: "Test",
		LastName:  "User",
		JoinedAt:  time.Now().UTC(),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return row.UserID
}

func setCreatedAt(t *testing.T, db *gorm.DB, eventID uint64, at time.Time) {
	t.Helper()

	if err := db.Model(&model.Event{}).
		Where("event_id = ?", eventID).
		Update("created_at", at).Error; err != nil {
		t.Fatalf("set created_at: %v", err)
	}
}

func TestCreateEventWritesOneDeliveryPerBackend(t *testing.T) {
	repo, db := setupEventRepository(t)
	ctx := context.Background()

	created, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type:      "signed_up",
		Requested: []event.Backend{event.BackendAmplitude, event.BackendMixpanel},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	var deliveries []model.EventDelivery
	if err := db.Where("event_id = ?", created.ID).Find(&deliveries).Error; err != nil {
		t.Fatalf("load deliveries: %v", err)
	}
	if len(deliveries) != len(event.Backends()) {
		t.Fatalf("len(deliveries) = %d, want %d", len(deliveries), len(event.Backends()))
	}

	requested := map[string]bool{}
	for _, d := range deliveries {
		if d.ResolvedAt != nil {
			t.Fatalf("fresh delivery %s already resolved", d.Backend)
		}
		requested[d.Backend] = d.Requested
	}
	if !requested["amplitude"] || !requested["mixpanel"] {
		t.Fatalf("requested backends not flagged: %v", requested)
	}
	if requested["intercom"] || requested["ga4"] || requested["userdotcom"] {
		t.Fatalf("unrequested backends flagged: %v", requested)
	}
}

func TestClaimNextSkipsUnrequestedAndResolved(t *testing.T) {
	repo, _ := setupEventRepository(t)
	ctx := context.Background()

	unrequested, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type:      "login",
		Requested: []event.Backend{event.BackendMixpanel},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	wanted, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type:      "login",
		Requested: []event.Backend{event.BackendAmplitude},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	got, err := repo.ClaimNext(ctx, event.BackendAmplitude)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if got == nil || got.ID != wanted.ID {
		t.Fatalf("ClaimNext() = %+v, want event %d", got, wanted.ID)
	}
	if got.ID == unrequested.ID {
		t.Fatalf("claimed unrequested event %d", unrequested.ID)
	}

	if err := repo.MarkResolved(ctx, wanted.ID, event.BackendAmplitude, "ok", time.Now().UTC()); err != nil {
		t.Fatalf("MarkResolved() error = %v", err)
	}

	got, err = repo.ClaimNext(ctx, event.BackendAmplitude)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if got != nil {
		t.Fatalf("ClaimNext() after resolve = %+v, want nil", got)
	}
}

func TestClaimBatchReturnsOldestFirst(t *testing.T) {
	repo, db := setupEventRepository(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	var ids []uint64
	for i := 0; i < 3; i++ {
		created, err := repo.CreateEvent(ctx, ports.EventCreate{
			Type:      "login",
			Requested: []event.Backend{event.BackendAmplitude},
		})
		if err != nil {
			t.Fatalf("CreateEvent() error = %v", err)
		}
		ids = append(ids, created.ID)
	}
	// Reverse chronological insertion order.
	setCreatedAt(t, db, ids[0], base.Add(2*time.Minute))
	setCreatedAt(t, db, ids[1], base.Add(time.Minute))
	setCreatedAt(t, db, ids[2], base)

	batch, err := repo.ClaimBatch(ctx, event.BackendAmplitude, 2)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("len(batch) = %d, want 2", len(batch))
	}
	if batch[0].ID != ids[2] || batch[1].ID != ids[1] {
		t.Fatalf("batch order = %d, %d, want %d, %d", batch[0].ID, batch[1].ID, ids[2], ids[1])
	}
}

func TestMarkResolvedIsTerminal(t *testing.T) {
	repo, db := setupEventRepository(t)
	ctx := context.Background()

	created, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type:      "login",
		Requested: []event.Backend{event.BackendIntercom},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	first := time.Now().UTC().Add(-time.Minute)
	if err := repo.MarkResolved(ctx, created.ID, event.BackendIntercom, "ok", first); err != nil {
		t.Fatalf("MarkResolved() error = %v", err)
	}
	if err := repo.MarkResolved(ctx, created.ID, event.BackendIntercom, "error: late write", time.Now().UTC()); err != nil {
		t.Fatalf("MarkResolved() second call error = %v", err)
	}

	var d model.EventDelivery
	if err := db.Where("event_id = ? AND backend = ?", created.ID, "intercom").Take(&d).Error; err != nil {
		t.Fatalf("load delivery: %v", err)
	}
	if d.Status == nil || *d.Status != "ok" {
		t.Fatalf("status = %v, want ok", d.Status)
	}
}

func TestSetRequestedIgnoresResolvedRows(t *testing.T) {
	repo, db := setupEventRepository(t)
	ctx := context.Background()

	created, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type: "signed_up",
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	if err := repo.SetRequested(ctx, created.ID, event.BackendIntercom, true); err != nil {
		t.Fatalf("SetRequested() error = %v", err)
	}
	var d model.EventDelivery
	if err := db.Where("event_id = ? AND backend = ?", created.ID, "intercom").Take(&d).Error; err != nil {
		t.Fatalf("load delivery: %v", err)
	}
	if !d.Requested {
		t.Fatal("requested flag not set")
	}

	if err := repo.MarkResolved(ctx, created.ID, event.BackendIntercom, "ok", time.Now().UTC()); err != nil {
		t.Fatalf("MarkResolved() error = %v", err)
	}
	if err := repo.SetRequested(ctx, created.ID, event.BackendIntercom, false); err != nil {
		t.Fatalf("SetRequested() after resolve error = %v", err)
	}
	if err := db.Where("event_id = ? AND backend = ?", created.ID, "intercom").Take(&d).Error; err != nil {
		t.Fatalf("load delivery: %v", err)
	}
	if !d.Requested {
		t.Fatal("resolved row was rewritten")
	}
}

func TestGetUserNotFound(t *testing.T) {
	repo, db := setupEventRepository(t)
	ctx := context.Background()

	id := createUser(t, db, "known@example.com")
	user, err := repo.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.Email != "known@example.com" {
		t.Fatalf("GetUser() email = %q", user.Email)
	}

	if _, err := repo.GetUser(ctx, id+1000); err != ports.ErrUserNotFound {
		t.Fatalf("GetUser() error = %v, want ErrUserNotFound", err)
	}
}

func TestCleanupOldEventsHonorsBothWindows(t *testing.T) {
	repo, db := setupEventRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Finished and past the short window: removable.
	finished, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type:      "login",
		Requested: []event.Backend{event.BackendAmplitude},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	setCreatedAt(t, db, finished.ID, now.Add(-72*time.Hour))
	if err := repo.MarkResolved(ctx, finished.ID, event.BackendAmplitude, "ok", now); err != nil {
		t.Fatalf("MarkResolved() error = %v", err)
	}

	// Pending and past the short window: kept.
	pending, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type:      "login",
		Requested: []event.Backend{event.BackendAmplitude},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	setCreatedAt(t, db, pending.ID, now.Add(-72*time.Hour))

	// Pending but past the long window: removed regardless.
	stale, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type:      "login",
		Requested: []event.Backend{event.BackendAmplitude},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	setCreatedAt(t, db, stale.ID, now.Add(-60*24*time.Hour))

	deleted, err := repo.CleanupOldEvents(ctx, now.Add(-48*time.Hour), now.Add(-56*24*time.Hour))
	if err != nil {
		t.Fatalf("CleanupOldEvents() error = %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}

	var remaining []model.Event
	if err := db.Find(&remaining).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(remaining) != 1 || remaining[0].EventID != pending.ID {
		t.Fatalf("remaining = %+v, want only event %d", remaining, pending.ID)
	}

	var orphaned int64
	if err := db.Model(&model.EventDelivery{}).
		Where("event_id <> ?", pending.ID).
		Count(&orphaned).Error; err != nil {
		t.Fatalf("count deliveries: %v", err)
	}
	if orphaned != 0 {
		t.Fatalf("orphaned deliveries = %d", orphaned)
	}
}

func TestListRecentIncludesUserAndDeliveries(t *testing.T) {
	repo, db := setupEventRepository(t)
	ctx := context.Background()

	userID := createUser(t, db, "recent@example.com")
	created, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type:      "signed_up",
		UserID:    &userID,
		Requested: []event.Backend{event.BackendAmplitude},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	items, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].ID != created.ID || items[0].UserEmail != "recent@example.com" {
		t.Fatalf("ListRecent() item = %+v", items[0])
	}
	if len(items[0].Deliveries) != len(event.Backends()) {
		t.Fatalf("len(deliveries) = %d", len(items[0].Deliveries))
	}
}

// Claim contention needs a dialect with FOR UPDATE SKIP LOCKED; sqlite
// serializes writers at the connection level instead. Run against a real
// postgres by setting EVENTRELAY_TEST_POSTGRES_DSN.
func TestClaimNextConcurrentClaimersPostgres(t *testing.T) {
	dsn := os.Getenv("EVENTRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EVENTRELAY_TEST_POSTGRES_DSN not set")
	}

	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&model.User{}, &model.Event{}, &model.EventDelivery{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	if err := db.Exec("DELETE FROM event_deliveries").Error; err != nil {
		t.Fatalf("reset deliveries: %v", err)
	}
	if err := db.Exec("DELETE FROM events").Error; err != nil {
		t.Fatalf("reset events: %v", err)
	}

	repo := NewEventRepository(db)
	txm := uow.NewUnitOfWork(db)
	ctx := context.Background()

	if _, err := repo.CreateEvent(ctx, ports.EventCreate{
		Type:      "login",
		Requested: []event.Backend{event.BackendAmplitude},
	}); err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	firstHolds := make(chan struct{})
	secondDone := make(chan struct{})
	claims := make(chan uint64, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := txm.WithTx(ctx, func(txCtx context.Context) error {
			got, err := repo.ClaimNext(txCtx, event.BackendAmplitude)
			if err != nil {
				return err
			}
			if got != nil {
				claims <- got.ID
			}
			// Hold the row lock until the second claimer has tried.
			close(firstHolds)
			<-secondDone
			return nil
		})
		if err != nil {
			t.Errorf("first claimer: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer close(secondDone)
		<-firstHolds
		err := txm.WithTx(ctx, func(txCtx context.Context) error {
			got, err := repo.ClaimNext(txCtx, event.BackendAmplitude)
			if err != nil {
				return err
			}
			if got != nil {
				claims <- got.ID
			}
			return nil
		})
		if err != nil {
			t.Errorf("second claimer: %v", err)
		}
	}()
	wg.Wait()
	close(claims)

	claimed := 0
	for range claims {
		claimed++
	}
	if claimed != 1 {
		t.Fatalf("claims = %d, want exactly one while the row is locked", claimed)
	}
}
