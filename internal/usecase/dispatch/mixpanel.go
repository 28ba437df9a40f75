package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mixpanel/mixpanel-go"

	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/errs"
	"eventrelay/internal/ports"
)

// mixpanelAdapter wraps the official Mixpanel SDK. Besides plain tracking
// it supports a user-property-only "identify" path, selected by an empty
// event-type string with a user_id inside the user properties.
type mixpanelAdapter struct {
	repo ports.EventRepository
	mp   *mixpanel.ApiClient
}

func newMixpanelAdapter(repo ports.EventRepository, token string) *mixpanelAdapter {
	a := &mixpanelAdapter{repo: repo}
	if token != "" {
		a.mp = mixpanel.NewApiClient(token)
	}
	return a
}

func (a *mixpanelAdapter) Backend() event.Backend { return event.BackendMixpanel }

func (a *mixpanelAdapter) PushEvent(ctx context.Context, ev *ports.PendingEvent) (event.Outcome, error) {
	userProps := make(map[string]any, len(ev.UserProperties))
	for k, v := range ev.UserProperties {
		userProps[k] = v
	}

	var distinctID string
	if raw, ok := userProps["user_id"]; ok {
		distinctID = formatDistinctID(raw)
		delete(userProps, "user_id")
	}

	if ev.Type == "" {
		if distinctID != "" {
			if err := a.saveUser(ctx, distinctID, userProps); err != nil {
				return 0, err
			}
		}
	} else if ev.User != nil {
		distinctID = strconv.FormatUint(ev.User.ID, 10)
	}

	if err := a.track(ctx, distinctID, ev.Type, ev.EventProperties); err != nil {
		return 0, err
	}

	if err := a.repo.MarkResolved(ctx, ev.ID, event.BackendMixpanel, statusOK, time.Now().UTC()); err != nil {
		return 0, err
	}
	return event.OutcomeCounted, nil
}

func (a *mixpanelAdapter) track(ctx context.Context, distinctID, name string, props map[string]any) error {
	logging.Info(ctx, "mixpanel track event",
		slog.String("distinct_id", distinctID),
		slog.String("event_type", name),
	)
	if a.mp == nil {
		logging.Info(ctx, "mixpanel not configured, skip tracking")
		return nil
	}

	ev := a.mp.NewEvent(name, distinctID, props)
	if err := a.mp.Track(ctx, []*mixpanel.Event{ev}); err != nil {
		return errs.Wrap(err, "mixpanel track")
	}
	return nil
}

func (a *mixpanelAdapter) saveUser(ctx context.Context, distinctID string, props map[string]any) error {
	logging.Info(ctx, "mixpanel save user", slog.String("distinct_id", distinctID))
	if a.mp == nil {
		return nil
	}

	people := mixpanel.NewPeopleProperties(distinctID, map[string]any{
		"$first_name": props["first_name"],
		"$last_name":  props["last_name"],
		"$email":      props["email"],
		"$phone":      props["phone"],
	})
	if err := a.mp.PeopleSet(ctx, []*mixpanel.PeopleProperties{people}); err != nil {
		return errs.Wrap(err, "mixpanel people set")
	}
	return nil
}

// formatDistinctID renders the user_id property as Mixpanel's distinct id.
// JSON round-tripping turns numeric ids into float64.
func formatDistinctID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case uint64:
		return strconv.FormatUint(id, 10)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return fmt.Sprint(id)
	}
}
