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

const amplitudeAPIURL = "https://api.amplitude.com/2/httpapi"

// The four partial-rejection shapes Amplitude reports on a 400. Any other
// 400 body aborts the batch without marking rows.
var amplitudeErrorShapes = []string{
	"events_missing_required_fields",
	"events_with_missing_fields",
	"events_with_invalid_fields",
	"events_with_invalid_ids",
}

// Session snapshot keys copied verbatim into each Amplitude payload.
var amplitudeSessionValues = []string{
	"device_id", "session_id", "ip",
	"app_version", "platform",
	"os_name", "os_version",
	"device_brand", "device_manufacturer", "device_model",
}

// amplitudeQualifiedError is a 4xx with a decodable JSON body.
type amplitudeQualifiedError struct {
	Status int
	Body   map[string]any
}

func (e *amplitudeQualifiedError) Error() string {
	return fmt.Sprintf("amplitude error (http %d): %v", e.Status, e.Body)
}

// Code returns the error code Amplitude reports in the body, falling back
// to the HTTP status.
func (e *amplitudeQualifiedError) Code() int {
	if v, ok := e.Body["code"].(float64); ok {
		return int(v)
	}
	return e.Status
}

type amplitudeClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func (c *amplitudeClient) sendEvents(ctx context.Context, events []map[string]any) error {
	payload := map[string]any{
		"api_key": c.apiKey,
		"events":  events,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(err, "encode amplitude payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(err, "build amplitude request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(err, "post amplitude events")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(err, "read amplitude response")
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				return &amplitudeQualifiedError{Status: resp.StatusCode, Body: decoded}
			}
		}
		return fmt.Errorf("amplitude error (http %d): %s", resp.StatusCode, raw)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("amplitude unexpected status %d: %s", resp.StatusCode, raw)
	}
	return nil
}

// amplitudeAdapter is the one batching backend: it claims a capped slice of
// rows in a single transaction, posts them as one request, and isolates
// partially-rejected indices on retry.
type amplitudeAdapter struct {
	repo      ports.EventRepository
	uow       ports.UnitOfWork
	client    *amplitudeClient
	batchSize int
}

func newAmplitudeAdapter(repo ports.EventRepository, uow ports.UnitOfWork, apiKey string, batchSize int, httpClient *http.Client) *amplitudeAdapter {
	return &amplitudeAdapter{
		repo: repo,
		uow:  uow,
		client: &amplitudeClient{
			apiKey:  apiKey,
			baseURL: amplitudeAPIURL,
			http:    httpClient,
		},
		batchSize: batchSize,
	}
}

func (a *amplitudeAdapter) Backend() event.Backend { return event.BackendAmplitude }

func (a *amplitudeAdapter) ProcessBatch(ctx context.Context, max int) (int, error) {
	limit := a.batchSize
	if max < limit {
		limit = max
	}

	processed := 0
	err := a.uow.WithTx(ctx, func(txCtx context.Context) error {
		batch, err := a.repo.ClaimBatch(txCtx, event.BackendAmplitude, limit)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		usersCache := map[uint64]map[string]any{}
		sent := false
		attempts := 5
		for !sent && attempts > 0 && len(batch) > 0 {
			attempts--

			payloads := make([]map[string]any, 0, len(batch))
			for i := range batch {
				payloads = append(payloads, amplitudePayload(&batch[i], usersCache))
			}
			logging.Info(txCtx, "sending amplitude events", slog.Int("count", len(payloads)))

			sendErr := a.client.sendEvents(txCtx, payloads)
			if sendErr == nil {
				sent = true
				break
			}

			var qe *amplitudeQualifiedError
			if !errors.As(sendErr, &qe) {
				return sendErr
			}
			switch qe.Code() {
			case 429:
				logging.Warn(txCtx, "amplitude throttled, stop submitting")
				return nil
			case 400:
				shape, rejected, recognized := amplitudeRejectedIndices(qe.Body)
				if !recognized {
					logging.Error(txCtx, "amplitude rejected upload with unrecognized error shape",
						slog.Any("response", qe.Body))
					return nil
				}
				logging.Warn(txCtx, "amplitude rejected part of the batch",
					slog.String("shape", shape),
					slog.Int("rejected", len(rejected)),
				)
				batch, err = a.dropRejected(txCtx, batch, shape, rejected, qe.Body)
				if err != nil {
					return err
				}
			default:
				return sendErr
			}
		}

		if len(batch) == 0 {
			return nil
		}
		ids := make([]uint64, 0, len(batch))
		for i := range batch {
			ids = append(ids, batch[i].ID)
		}
		if err := a.repo.MarkResolvedMany(txCtx, ids, event.BackendAmplitude, statusOK, time.Now().UTC()); err != nil {
			return err
		}
		processed = len(batch)
		logging.Info(txCtx, "sent events to amplitude", slog.Int("count", processed))
		return nil
	})
	return processed, err
}

// dropRejected permanently skips the rejected indices, recording the raw
// error map as their status, and returns the surviving rows.
func (a *amplitudeAdapter) dropRejected(ctx context.Context, batch []ports.PendingEvent, shape string, rejected map[int]struct{}, body map[string]any) ([]ports.PendingEvent, error) {
	survivors := make([]ports.PendingEvent, 0, len(batch))
	var rejectedIDs []uint64
	for i := range batch {
		if _, drop := rejected[i]; drop {
			logging.Warn(ctx, "amplitude rejected event",
				slog.Uint64("event_id", batch[i].ID),
				slog.String("event_type", batch[i].Type),
				slog.String("shape", shape),
			)
			rejectedIDs = append(rejectedIDs, batch[i].ID)
			continue
		}
		survivors = append(survivors, batch[i])
	}

	status := shape + fmt.Sprint(body[shape])
	if err := a.repo.MarkResolvedMany(ctx, rejectedIDs, event.BackendAmplitude, status, time.Now().UTC()); err != nil {
		return nil, err
	}
	return survivors, nil
}

// amplitudeRejectedIndices extracts the set of rejected batch indices from
// the first recognized error shape present in the response body.
func amplitudeRejectedIndices(body map[string]any) (string, map[int]struct{}, bool) {
	for _, shape := range amplitudeErrorShapes {
		raw, present := body[shape]
		if !present {
			continue
		}
		byField, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		indices := map[int]struct{}{}
		for _, list := range byField {
			items, ok := list.([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				if idx, ok := item.(float64); ok {
					indices[int(idx)] = struct{}{}
				}
			}
		}
		return shape, indices, true
	}
	return "", nil, false
}

// amplitudePayload builds one event schema document. usersCache is scoped
// to one batch so each referenced user is loaded into properties once.
func amplitudePayload(ev *ports.PendingEvent, usersCache map[uint64]map[string]any) map[string]any {
	eventProps := map[string]any{}
	userProps := map[string]any{}
	var userEmail any

	if ev.User != nil {
		cached, ok := usersCache[ev.User.ID]
		if !ok {
			cached = map[string]any{
				"user_id":    ev.User.ID,
				"email":      ev.User.Email,
				"first_name": ev.User.FirstName,
				"last_name":  ev.User.LastName,
			}
			usersCache[ev.User.ID] = cached
		}
		for k, v := range cached {
			userProps[k] = v
		}
		userEmail = cached["email"]
		eventProps["user_id"] = cached["user_id"]
	}

	for k, v := range ev.UserProperties {
		userProps[k] = v
	}
	for k, v := range ev.EventProperties {
		eventProps[k] = v
	}

	data := map[string]any{
		"user_id":          userEmail,
		"event_id":         ev.ID,
		"event_type":       ev.Type,
		"insert_id":        event.InsertID(ev.ID, ev.Type, ev.DeviceID()),
		"time":             ev.CreatedAt.Unix(),
		"event_properties": eventProps,
		"user_properties":  userProps,
	}
	for _, key := range amplitudeSessionValues {
		if v, ok := ev.SessionData[key]; ok {
			data[key] = v
		}
	}
	return data
}
