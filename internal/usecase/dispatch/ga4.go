package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"eventrelay/internal/bootstrap/config"
	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/errs"
	"eventrelay/internal/ports"
)

const ga4BaseURL = "https://www.google-analytics.com/mp/collect"

// ga4Adapter posts to the GA4 Measurement Protocol. GA4 does not model
// per-event failure, so a bad response is logged and the row still
// resolves ok.
type ga4Adapter struct {
	repo    ports.EventRepository
	cfg     config.GA4Config
	baseURL string
	http    *http.Client
}

func newGA4Adapter(repo ports.EventRepository, cfg config.GA4Config, httpClient *http.Client) *ga4Adapter {
	return &ga4Adapter{
		repo:    repo,
		cfg:     cfg,
		baseURL: ga4BaseURL,
		http:    httpClient,
	}
}

func (a *ga4Adapter) Backend() event.Backend { return event.BackendGA4 }

func (a *ga4Adapter) PushEvent(ctx context.Context, ev *ports.PendingEvent) (event.Outcome, error) {
	params := map[string]any{}
	if ev.Type == "login" {
		params["method"] = ""
	}

	payload := map[string]any{
		"client_id":        a.cfg.ClientID,
		"timestamp_micros": ev.CreatedAt.UnixMicro(),
		"events": []map[string]any{
			{"name": ev.Type, "params": params},
		},
	}
	if ev.User != nil {
		payload["user_id"] = strconv.FormatUint(ev.User.ID, 10)
	}
	if len(ev.UserProperties) > 0 {
		userProps := make(map[string]any, len(ev.UserProperties))
		for k, v := range ev.UserProperties {
			userProps[k] = map[string]any{"value": v}
		}
		payload["user_properties"] = userProps
	}

	if err := a.send(ctx, payload); err != nil {
		return 0, err
	}

	if err := a.repo.MarkResolved(ctx, ev.ID, event.BackendGA4, statusOK, time.Now().UTC()); err != nil {
		return 0, err
	}
	return event.OutcomeCounted, nil
}

func (a *ga4Adapter) send(ctx context.Context, payload map[string]any) error {
	if a.cfg.APISecret == "" {
		logging.Warn(ctx, "ga4 is not enabled (api_secret empty)")
		return nil
	}

	query := url.Values{}
	query.Set("api_secret", a.cfg.APISecret)
	query.Set("measurement_id", a.cfg.MeasurementID)

	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(err, "encode ga4 payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(err, "build ga4 request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return errs.Wrap(err, "post ga4 events")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		logging.Warn(ctx, "ga4 request got bad response",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)),
		)
	} else {
		logging.Info(ctx, "ga4 request accepted", slog.Int("status", resp.StatusCode))
	}
	return nil
}
