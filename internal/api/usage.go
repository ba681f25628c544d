package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/goodtune/foresee/internal/metrics"
	"github.com/goodtune/foresee/internal/storage"
	"github.com/rs/zerolog"
)

// UsageHandler accepts usage reports from device agents.
type UsageHandler struct {
	store  storage.UsageStore
	logger zerolog.Logger
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(store storage.UsageStore, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{
		store:  store,
		logger: logger.With().Str("handler", "usage").Logger(),
	}
}

// Report stores a batch of usage snapshots.
func (h *UsageHandler) Report(w http.ResponseWriter, r *http.Request) {
	var req UsageReportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records must not be empty")
		return
	}

	now := time.Now()
	for _, record := range req.Records {
		if err := record.Validate(now); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.store.Report(r.Context(), req.Records); err != nil {
		h.logger.Error().Err(err).Int("records", len(req.Records)).Msg("Failed to store usage report")
		writeError(w, http.StatusInternalServerError, "Failed to store usage report")
		return
	}

	metrics.UsageRecordsReported.Add(float64(len(req.Records)))
	h.logger.Debug().Int("records", len(req.Records)).Msg("Usage report stored")

	writeJSON(w, http.StatusAccepted, UsageReportResponse{Accepted: len(req.Records)})
}
