package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/goodtune/foresee/internal/notify"
	"github.com/goodtune/foresee/internal/storage"
	"github.com/goodtune/foresee/internal/usage"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// UsageReportRequest is the body of POST /v1/usage.
type UsageReportRequest struct {
	Records []storage.UsageRecord `json:"records"`
}

// UsageReportResponse acknowledges an accepted report.
type UsageReportResponse struct {
	Accepted int `json:"accepted"`
}

// AlertListResponse lists alert states.
type AlertListResponse struct {
	Alerts []storage.AlertState `json:"alerts"`
	Count  int                  `json:"count"`
}

// PollResponse summarizes an on-demand poll.
type PollResponse struct {
	Evaluated  int               `json:"evaluated"`
	Resets     int               `json:"resets"`
	Alerts     []notify.Alert    `json:"alerts"`
	Failed     map[string]string `json:"failed,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

func newPollResponse(result *usage.PollResult) PollResponse {
	resp := PollResponse{
		Evaluated:  result.Evaluated,
		Resets:     result.Resets,
		Alerts:     result.Alerts,
		DurationMs: result.Duration.Milliseconds(),
	}
	if resp.Alerts == nil {
		resp.Alerts = []notify.Alert{}
	}
	if len(result.Failed) > 0 {
		resp.Failed = make(map[string]string, len(result.Failed))
		for appID, err := range result.Failed {
			resp.Failed[appID] = err.Error()
		}
	}
	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
