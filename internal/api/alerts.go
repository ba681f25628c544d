package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/goodtune/foresee/internal/storage"
	"github.com/goodtune/foresee/internal/usage"
	"github.com/rs/zerolog"
)

// AlertsHandler exposes alert state and the snooze/reset overrides.
type AlertsHandler struct {
	store      storage.AlertStore
	controller Controller
	logger     zerolog.Logger
}

// NewAlertsHandler creates a new alerts handler.
func NewAlertsHandler(store storage.AlertStore, controller Controller, logger zerolog.Logger) *AlertsHandler {
	return &AlertsHandler{
		store:      store,
		controller: controller,
		logger:     logger.With().Str("handler", "alerts").Logger(),
	}
}

// List returns every known alert state.
func (h *AlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	states, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list alert states")
		writeError(w, http.StatusInternalServerError, "Failed to list alert states")
		return
	}
	if states == nil {
		states = []storage.AlertState{}
	}

	writeJSON(w, http.StatusOK, AlertListResponse{Alerts: states, Count: len(states)})
}

// Get returns the alert state of one app.
func (h *AlertsHandler) Get(w http.ResponseWriter, r *http.Request) {
	appID, err := appIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid app ID")
		return
	}

	state, err := h.store.Get(r.Context(), appID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No alert state for "+appID)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("app_id", appID).Msg("Failed to get alert state")
		writeError(w, http.StatusInternalServerError, "Failed to get alert state")
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// Snooze forces an app to the highest level.
func (h *AlertsHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, h.controller.Snooze)
}

// Reset returns an app to level 0.
func (h *AlertsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, h.controller.Reset)
}

func (h *AlertsHandler) override(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*storage.AlertState, error)) {
	appID, err := appIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid app ID")
		return
	}

	state, err := fn(r.Context(), appID)
	if errors.Is(err, usage.ErrEmptyAppID) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("app_id", appID).Msg("Failed to override alert state")
		writeError(w, http.StatusInternalServerError, "Failed to update alert state")
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// Poll runs one usage poll immediately.
func (h *AlertsHandler) Poll(w http.ResponseWriter, r *http.Request) {
	result, err := h.controller.Poll(r.Context())
	if errors.Is(err, usage.ErrSourceUnavailable) {
		h.logger.Warn().Err(err).Msg("On-demand poll skipped")
		writeError(w, http.StatusServiceUnavailable, "Usage source unavailable")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("On-demand poll failed")
		writeError(w, http.StatusInternalServerError, "Poll failed")
		return
	}

	writeJSON(w, http.StatusOK, newPollResponse(result))
}

// appIDParam returns the decoded {appID} route parameter. chi matches on the
// escaped path when the request has one, and the parameter is escaped with it.
func appIDParam(r *http.Request) (string, error) {
	appID := chi.URLParam(r, "appID")
	if r.URL.RawPath == "" {
		return appID, nil
	}
	return url.PathUnescape(appID)
}
