package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"eventrelay/internal/domain/event"
	"eventrelay/internal/ports"
)

func newTestIntercomAdapter(repo ports.EventRepository, reporter ports.Reporter, serverURL string) *intercomAdapter {
	a := newIntercomAdapter(repo, reporter, "test-token", http.DefaultClient)
	a.client.baseURL = serverURL + "/"
	return a
}

func intercomRespond(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func intercomPending(t *testing.T, repo *fakeEventRepository) ports.PendingEvent {
	t.Helper()

	userID := testUser.ID
	created, err := repo.CreateEvent(context.Background(), ports.EventCreate{
		Type:            "signed_up",
		UserID:          &userID,
		EventProperties: map[string]any{"plan": "pro"},
		Requested:       []event.Backend{event.BackendIntercom},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	return created
}

func TestIntercomPushEventResolvesOkOnAccepted(t *testing.T) {
	repo := newFakeEventRepository()
	repo.addUser(testUser)
	reporter := &recordingReporter{}

	var eventCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/events") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		eventCalls++
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["event_name"] != "signed_up" {
			t.Errorf("event_name = %v", payload["event_name"])
		}
		intercomRespond(w, http.StatusAccepted, map[string]any{})
	}))
	defer server.Close()

	adapter := newTestIntercomAdapter(repo, reporter, server.URL)
	pending := intercomPending(t, repo)

	outcome, err := adapter.PushEvent(context.Background(), &pending)
	if err != nil {
		t.Fatalf("PushEvent() error = %v", err)
	}
	if outcome != event.OutcomeCounted {
		t.Fatalf("outcome = %v, want counted", outcome)
	}
	if eventCalls != 1 {
		t.Fatalf("event calls = %d", eventCalls)
	}

	d := repo.delivery(t, pending.ID, event.BackendIntercom)
	if d.Status == nil || *d.Status != statusOK {
		t.Fatalf("delivery = %+v, want ok", d)
	}
	if len(reporter.reported) != 0 {
		t.Fatalf("reported = %v, want none", reporter.reported)
	}
}

func TestIntercomPushEventPausesOnServiceUnavailable(t *testing.T) {
	repo := newFakeEventRepository()
	repo.addUser(testUser)
	reporter := &recordingReporter{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		intercomRespond(w, http.StatusServiceUnavailable, map[string]any{
			"type": "error.list",
			"errors": []any{
				map[string]any{"code": "service unavailable", "message": "down for maintenance"},
			},
		})
	}))
	defer server.Close()

	adapter := newTestIntercomAdapter(repo, reporter, server.URL)
	pending := intercomPending(t, repo)

	outcome, err := adapter.PushEvent(context.Background(), &pending)
	if err != nil {
		t.Fatalf("PushEvent() error = %v", err)
	}
	if outcome != event.OutcomePause {
		t.Fatalf("outcome = %v, want pause", outcome)
	}

	d := repo.delivery(t, pending.ID, event.BackendIntercom)
	if d.ResolvedAt != nil {
		t.Fatalf("paused row was resolved: %+v", d)
	}
}

func TestIntercomPushEventCreatesUserAndRetriesOn404(t *testing.T) {
	repo := newFakeEventRepository()
	repo.addUser(testUser)
	reporter := &recordingReporter{}

	var eventCalls, userCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users"):
			userCalls++
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			if payload["email"] != testUser.Email {
				t.Errorf("user email = %v", payload["email"])
			}
			intercomRespond(w, http.StatusOK, map[string]any{})
		case strings.HasSuffix(r.URL.Path, "/events"):
			eventCalls++
			if eventCalls == 1 {
				intercomRespond(w, http.StatusNotFound, map[string]any{
					"type": "error.list",
					"errors": []any{
						map[string]any{"code": "not_found", "message": "User Not Found"},
					},
				})
				return
			}
			intercomRespond(w, http.StatusAccepted, map[string]any{})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	adapter := newTestIntercomAdapter(repo, reporter, server.URL)
	pending := intercomPending(t, repo)

	outcome, err := adapter.PushEvent(context.Background(), &pending)
	if err != nil {
		t.Fatalf("PushEvent() error = %v", err)
	}
	if outcome != event.OutcomeCounted {
		t.Fatalf("outcome = %v, want counted", outcome)
	}
	if userCalls != 1 || eventCalls != 2 {
		t.Fatalf("userCalls = %d, eventCalls = %d, want 1 and 2", userCalls, eventCalls)
	}

	d := repo.delivery(t, pending.ID, event.BackendIntercom)
	if d.Status == nil || *d.Status != statusOK {
		t.Fatalf("delivery = %+v, want ok", d)
	}
}

func TestIntercomPushEventRecordsQualifiedErrorAndReports(t *testing.T) {
	repo := newFakeEventRepository()
	repo.addUser(testUser)
	reporter := &recordingReporter{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		intercomRespond(w, http.StatusUnauthorized, map[string]any{
			"type": "error.list",
			"errors": []any{
				map[string]any{"code": "token_unauthorized", "message": "bad token"},
			},
		})
	}))
	defer server.Close()

	adapter := newTestIntercomAdapter(repo, reporter, server.URL)
	pending := intercomPending(t, repo)

	outcome, err := adapter.PushEvent(context.Background(), &pending)
	if err != nil {
		t.Fatalf("PushEvent() error = %v", err)
	}
	if outcome != event.OutcomeCounted {
		t.Fatalf("outcome = %v, want counted", outcome)
	}

	d := repo.delivery(t, pending.ID, event.BackendIntercom)
	if d.ResolvedAt == nil || d.Status == nil || !strings.Contains(*d.Status, "401") {
		t.Fatalf("delivery = %+v, want qualified error status", d)
	}
	if len(reporter.reported) != 1 {
		t.Fatalf("reported = %v, want one error", reporter.reported)
	}
}

func TestIntercomPushEventResolvesUserlessRowAsMissed(t *testing.T) {
	repo := newFakeEventRepository()
	reporter := &recordingReporter{}
	adapter := newTestIntercomAdapter(repo, reporter, "http://unreachable.invalid")

	created, err := repo.CreateEvent(context.Background(), ports.EventCreate{
		Type:      "page_viewed",
		Requested: []event.Backend{event.BackendIntercom},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	outcome, err := adapter.PushEvent(context.Background(), &created)
	if err != nil {
		t.Fatalf("PushEvent() error = %v", err)
	}
	if outcome != event.OutcomeContinue {
		t.Fatalf("outcome = %v, want continue", outcome)
	}

	d := repo.delivery(t, created.ID, event.BackendIntercom)
	if d.Status == nil || *d.Status != statusUserMissed {
		t.Fatalf("delivery = %+v, want %q", d, statusUserMissed)
	}
}
