package llmproxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMissingCredential is returned by New when no upstream API key is configured
var ErrMissingCredential = errors.New("upstream API key not configured")

// UpstreamError is a non-2xx response from the upstream chat API
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream API error: %d - %s", e.Status, e.Body)
}

// RequestError is a caller payload rejected before any upstream call
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string {
	return e.Msg
}

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{Msg: fmt.Sprintf(format, args...)}
}

const redacted = "[REDACTED]"

// scrubber removes the credential from anything shown to a caller or logged
type scrubber struct {
	secret string
}

func (s scrubber) clean(text string) string {
	if s.secret == "" {
		return text
	}
	return strings.ReplaceAll(text, s.secret, redacted)
}

// batchErrorBody is the structured error returned in batch mode
type batchErrorBody struct {
	Error batchErrorDetail `json:"error"`
}

type batchErrorDetail struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstream_status"`
	UpstreamBody   string `json:"upstream_body"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
