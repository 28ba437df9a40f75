package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/errs"
	"eventrelay/internal/usecase/dispatch"
)

// trackRequest is the wire shape of POST /track.
//
// UserID is taken at face value. The endpoint is meant to sit behind the
// host application, which authenticates the user before forwarding events;
// it must not be exposed to untrusted clients directly.
type trackRequest struct {
	EventType           string         `json:"event_type"`
	UserID              *uint64        `json:"user_id,omitempty"`
	UserProperties      map[string]any `json:"user_properties,omitempty"`
	EventProperties     map[string]any `json:"event_properties,omitempty"`
	InstantSendIntercom bool           `json:"instant_send_intercom,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the ingestion HTTP surface: a tracking endpoint plus a
// liveness probe.
func NewRouter(svc *dispatch.Service) http.Handler {
	h := &handler{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.healthz)

	r.Group(func(r chi.Router) {
		r.Use(withRequestContext)
		r.Post("/track", h.track)
	})
	return r
}

type handler struct {
	svc *dispatch.Service
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *handler) track(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req trackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if req.EventType == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "event_type is required"})
		return
	}

	rc := requestContextFrom(ctx)
	if rc != nil {
		rc.AuthenticatedUserID = req.UserID
	}

	err := h.svc.Emit(ctx, dispatch.EmitInput{
		Type:                req.EventType,
		Request:             rc,
		UserProperties:      req.UserProperties,
		EventProperties:     req.EventProperties,
		InstantSendIntercom: req.InstantSendIntercom,
	})
	if err != nil {
		logging.Error(ctx, "track request failed",
			slog.String("event_type", req.EventType),
			slog.Any("error", errs.Loggable(err)),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
