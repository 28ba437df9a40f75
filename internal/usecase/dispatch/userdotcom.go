package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"eventrelay/internal/bootstrap/config"
	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/errs"
	"eventrelay/internal/ports"
)

// userDotComAdapter posts to the user.com public API. Like GA4 it does not
// model per-event failure: bad responses are logged, the row resolves ok.
type userDotComAdapter struct {
	repo    ports.EventRepository
	cfg     config.UserDotComConfig
	baseURL string
	http    *http.Client
}

func newUserDotComAdapter(repo ports.EventRepository, cfg config.UserDotComConfig, httpClient *http.Client) *userDotComAdapter {
	return &userDotComAdapter{
		repo:    repo,
		cfg:     cfg,
		baseURL: fmt.Sprintf("https://%s.user.com/api/public", cfg.App),
		http:    httpClient,
	}
}

func (a *userDotComAdapter) Backend() event.Backend { return event.BackendUserDotCom }

func (a *userDotComAdapter) PushEvent(ctx context.Context, ev *ports.PendingEvent) (event.Outcome, error) {
	// user.com addresses events by user id; user-less rows that slipped
	// past the shared guard still cannot be delivered.
	if ev.User == nil {
		if err := a.repo.MarkResolved(ctx, ev.ID, event.BackendUserDotCom, statusUserMissed, time.Now().UTC()); err != nil {
			return 0, err
		}
		return event.OutcomeContinue, nil
	}

	if err := a.sendEvent(ctx, ev); err != nil {
		return 0, err
	}

	if err := a.repo.MarkResolved(ctx, ev.ID, event.BackendUserDotCom, statusOK, time.Now().UTC()); err != nil {
		return 0, err
	}
	return event.OutcomeCounted, nil
}

func (a *userDotComAdapter) sendEvent(ctx context.Context, ev *ports.PendingEvent) error {
	data := map[string]any{
		"name":      ev.Type,
		"timestamp": ev.CreatedAt.Unix(),
		"data":      ev.EventProperties,
	}
	path := fmt.Sprintf("/users-by-id/%d/events/", ev.User.ID)

	status, sent, err := a.request(ctx, http.MethodPost, path, data)
	if err != nil {
		return err
	}
	if !sent {
		return nil
	}

	if status == http.StatusNotFound {
		// Unknown user: create the record, then replay the event once.
		if err := a.createUser(ctx, ev.User); err != nil {
			return err
		}
		if _, _, err := a.request(ctx, http.MethodPost, path, data); err != nil {
			return err
		}
	}

	return a.setUserAttributes(ctx, ev.User.ID, ev.UserProperties)
}

func (a *userDotComAdapter) createUser(ctx context.Context, user *ports.EventUser) error {
	data := map[string]any{
		"user_id":    user.ID,
		"email":      user.Email,
		"first_name": user.FirstName,
		"last_name":  user.LastName,
	}
	_, _, err := a.request(ctx, http.MethodPost, "/users/", data)
	return err
}

// setUserAttributes pushes custom attributes for the user. The attribute
// must already exist on the user.com side before it can be set.
func (a *userDotComAdapter) setUserAttributes(ctx context.Context, userID uint64, attributes map[string]any) error {
	if len(attributes) == 0 {
		return nil
	}
	path := fmt.Sprintf("/users-by-id/%d/set_multiple_attributes/", userID)
	_, _, err := a.request(ctx, http.MethodPost, path, attributes)
	return err
}

func (a *userDotComAdapter) request(ctx context.Context, method, path string, data map[string]any) (status int, sent bool, err error) {
	if a.cfg.APIKey == "" {
		logging.Warn(ctx, "user.com is not enabled (api_key empty)")
		return 0, false, nil
	}

	body, err := json.Marshal(data)
	if err != nil {
		return 0, false, errs.Wrap(err, "encode user.com payload")
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, false, errs.Wrap(err, "build user.com request")
	}
	req.Header.Set("Authorization", "Token "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, false, errs.Wrap(err, "call user.com")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		logging.Warn(ctx, "user.com request got bad response",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)),
		)
	} else {
		logging.Info(ctx, "user.com request accepted",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
	}
	return resp.StatusCode, true, nil
}
