package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/errs"
	"eventrelay/internal/ports"
)

const intercomBaseURL = "https://api.intercom.io/"

// Standard Intercom user attributes; everything else goes into
// custom_attributes.
var intercomUserAttributes = map[string]struct{}{
	"user_id": {}, "email": {}, "phone": {}, "pseudonym": {}, "name": {},
	"referrer": {}, "utm_source": {}, "utm_medium": {}, "utm_campaign": {},
	"utm_term": {}, "utm_content": {},
}

// intercomError is a qualified response without a decodable JSON body.
type intercomError struct {
	Status int
	Body   string
}

func (e *intercomError) Error() string {
	return fmt.Sprintf("intercom error %q with status %d", e.Body, e.Status)
}

// intercomQualifiedError is a 4xx/503 with a decoded JSON body.
type intercomQualifiedError struct {
	Status int
	Body   map[string]any
}

func (e *intercomQualifiedError) Error() string {
	return fmt.Sprintf("intercom error (http %d): %v", e.Status, e.Body)
}

// serviceUnavailable reports whether the error list carries the
// "service unavailable" code, which signals a sweep-wide pause.
func (e *intercomQualifiedError) serviceUnavailable() (string, bool) {
	if e.Body["type"] != "error.list" {
		return "", false
	}
	list, _ := e.Body["errors"].([]any)
	if len(list) == 0 {
		return "", false
	}
	first, _ := list[0].(map[string]any)
	if first["code"] != "service unavailable" {
		return "", false
	}
	msg, _ := first["message"].(string)
	return msg, true
}

type intercomResponse struct {
	Status int
	Body   []byte
}

type intercomClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// request returns a nil response when the client has no token configured
// (call logged, nothing sent). 4xx and 503 responses other than 404 come
// back as errors; 404 and 2xx are handed to the caller.
func (c *intercomClient) request(ctx context.Context, method, path string, payload any) (*intercomResponse, error) {
	url := c.baseURL + path
	logging.Info(ctx, "intercom request", slog.String("method", method), slog.String("url", url))

	if c.token == "" {
		logging.Info(ctx, "intercom not configured, skip call", slog.String("url", url))
		return nil, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(err, "encode intercom payload")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(err, "build intercom request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, "call intercom")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(err, "read intercom response")
	}

	qualified := (resp.StatusCode >= 400 && resp.StatusCode < 500) || resp.StatusCode == http.StatusServiceUnavailable
	if qualified && resp.StatusCode != http.StatusNotFound {
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				return nil, &intercomQualifiedError{Status: resp.StatusCode, Body: decoded}
			}
		}
		return nil, &intercomError{Status: resp.StatusCode, Body: string(raw)}
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("intercom unexpected status %d: %s", resp.StatusCode, raw)
	}

	logging.Info(ctx, "intercom response",
		slog.String("method", method),
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
	)
	return &intercomResponse{Status: resp.StatusCode, Body: raw}, nil
}

func (c *intercomClient) createOrUpdateUser(ctx context.Context, user *ports.EventUser, userProps map[string]any) error {
	data := map[string]any{
		"user_id":      user.ID,
		"email":        user.Email,
		"signed_up_at": user.JoinedAt.Unix(),
		"name":         user.Username,
	}
	custom := map[string]any{}
	for k, v := range userProps {
		if _, standard := intercomUserAttributes[k]; standard {
			data[k] = v
		} else {
			custom[k] = v
		}
	}
	if len(custom) > 0 {
		data["custom_attributes"] = custom
	}

	resp, err := c.request(ctx, http.MethodPost, "users", data)
	if err != nil {
		return err
	}
	if resp != nil && resp.Status != http.StatusOK {
		logging.Error(ctx, "error on create or update intercom user", slog.Int("status", resp.Status))
	}
	return nil
}

func (c *intercomClient) event(ctx context.Context, name string, user *ports.EventUser, eventProps, userProps map[string]any) error {
	data := map[string]any{
		"event_name": name,
		"created_at": time.Now().Unix(),
		"user_id":    user.ID,
	}
	if len(eventProps) > 0 {
		data["metadata"] = eventProps
	}

	if len(userProps) > 0 {
		if err := c.createOrUpdateUser(ctx, user, userProps); err != nil {
			return err
		}
	}

	resp, err := c.request(ctx, http.MethodPost, "events", data)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}

	if resp.Status == http.StatusNotFound {
		return c.handleUserNotFound(ctx, user, data, resp.Body)
	}
	if resp.Status != http.StatusAccepted {
		logging.Error(ctx, "error sending intercom event", slog.Int("status", resp.Status))
	}
	return nil
}

// handleUserNotFound covers the event POST returning 404: when the body
// says the user is unknown, create the user record and retry the event
// exactly once.
func (c *intercomClient) handleUserNotFound(ctx context.Context, user *ports.EventUser, data map[string]any, raw []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded["type"] != "error.list" {
		logging.Error(ctx, "intercom event 404 with wrong response structure")
		return nil
	}

	list, _ := decoded["errors"].([]any)
	if len(list) == 0 {
		logging.Error(ctx, "intercom event 404 with empty error list")
		return nil
	}
	first, _ := list[0].(map[string]any)
	if first["message"] != "User Not Found" {
		logging.Error(ctx, "intercom event 404 with wrong response structure",
			slog.String("body", string(raw)))
		return nil
	}

	if err := c.createOrUpdateUser(ctx, user, nil); err != nil {
		return err
	}
	retry, err := c.request(ctx, http.MethodPost, "events", data)
	if err != nil {
		return err
	}
	if retry == nil || retry.Status != http.StatusAccepted {
		logging.Error(ctx, "double error in sending intercom event")
	}
	return nil
}

type intercomAdapter struct {
	repo     ports.EventRepository
	reporter ports.Reporter
	client   *intercomClient
}

func newIntercomAdapter(repo ports.EventRepository, reporter ports.Reporter, accessToken string, httpClient *http.Client) *intercomAdapter {
	return &intercomAdapter{
		repo:     repo,
		reporter: reporter,
		client: &intercomClient{
			token:   accessToken,
			baseURL: intercomBaseURL,
			http:    httpClient,
		},
	}
}

func (a *intercomAdapter) Backend() event.Backend { return event.BackendIntercom }

func (a *intercomAdapter) PushEvent(ctx context.Context, ev *ports.PendingEvent) (event.Outcome, error) {
	// Intercom cannot address an event without a user even when the event
	// type tolerates user-less rows.
	if ev.User == nil {
		if err := a.repo.MarkResolved(ctx, ev.ID, event.BackendIntercom, statusUserMissed, time.Now().UTC()); err != nil {
			return 0, err
		}
		return event.OutcomeContinue, nil
	}

	userProps := intercomUserProperties(ev.UserProperties)

	err := a.client.event(ctx, ev.Type, ev.User, ev.EventProperties, userProps)
	if err == nil {
		if err := a.repo.MarkResolved(ctx, ev.ID, event.BackendIntercom, statusOK, time.Now().UTC()); err != nil {
			return 0, err
		}
		return event.OutcomeCounted, nil
	}

	var qe *intercomQualifiedError
	if errors.As(err, &qe) {
		if msg, unavailable := qe.serviceUnavailable(); unavailable {
			logging.Warn(ctx, "intercom service unavailable, interrupting sweep",
				slog.String("message", msg))
			return event.OutcomePause, nil
		}
		status := fmt.Sprintf("Error during emitting event. Code: %d, response: %v", qe.Status, qe.Body)
		if err := a.repo.MarkResolved(ctx, ev.ID, event.BackendIntercom, status, time.Now().UTC()); err != nil {
			return 0, err
		}
		a.reporter.Report(ctx, qe)
		return event.OutcomeCounted, nil
	}

	var te *intercomError
	if errors.As(err, &te) {
		if te.Status == http.StatusTooManyRequests || te.Status == http.StatusServiceUnavailable {
			logging.Warn(ctx, "intercom throttled, interrupting sweep", slog.Int("status", te.Status))
			return event.OutcomePause, nil
		}
		status := fmt.Sprintf("Error during emitting event. Exception: %v", te)
		if err := a.repo.MarkResolved(ctx, ev.ID, event.BackendIntercom, status, time.Now().UTC()); err != nil {
			return 0, err
		}
		a.reporter.Report(ctx, te)
		return event.OutcomeCounted, nil
	}

	return 0, err
}

// intercomUserProperties flattens list values to comma-joined strings, the
// only shape Intercom accepts for attribute values.
func intercomUserProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch list := v.(type) {
		case []any:
			parts := make([]string, 0, len(list))
			for _, item := range list {
				parts = append(parts, fmt.Sprint(item))
			}
			out[k] = strings.Join(parts, ", ")
		case []string:
			out[k] = strings.Join(list, ", ")
		default:
			out[k] = v
		}
	}
	return out
}
