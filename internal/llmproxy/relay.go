package llmproxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goodtune/foresee/internal/metrics"
)

// Mode selects how the upstream response is relayed
type Mode string

const (
	// ModeStream pipes the upstream event stream to the caller as it arrives
	ModeStream Mode = "stream"

	// ModeBatch reads the whole upstream JSON response and returns it at once
	ModeBatch Mode = "batch"
)

// maxBatchResponseBytes caps how much of an upstream reply batch mode buffers
const maxBatchResponseBytes = 32 << 20

// relay is the mode-specific half of the proxy
type relay interface {
	mode() Mode
	// body returns the bytes to send upstream for a validated request
	body(req *chatRequest) ([]byte, error)
	// respond writes the upstream response to the caller. The returned error
	// is for logging; a response has already been written when it is non-nil.
	respond(w http.ResponseWriter, resp *http.Response) (outcome string, err error)
}

// streamRelay forwards the caller's body verbatim and pipes the response
type streamRelay struct {
	scrub scrubber
}

func (streamRelay) mode() Mode { return ModeStream }

func (streamRelay) body(req *chatRequest) ([]byte, error) {
	return req.raw, nil
}

func (s streamRelay) respond(w http.ResponseWriter, resp *http.Response) (string, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBatchResponseBytes))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write([]byte(s.scrub.clean(string(body))))
		return "upstream_error", &UpstreamError{Status: resp.StatusCode, Body: s.scrub.clean(string(body))}
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	metrics.ProxyActiveStreams.Inc()
	defer metrics.ProxyActiveStreams.Dec()

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return "client_gone", fmt.Errorf("failed to write to caller: %w", err)
			}
			if err := rc.Flush(); err != nil {
				return "client_gone", fmt.Errorf("failed to flush to caller: %w", err)
			}
		}
		if readErr == io.EOF {
			return "ok", nil
		}
		if readErr != nil {
			return "stream_error", fmt.Errorf("upstream stream interrupted: %w", readErr)
		}
	}
}

// batchRelay normalizes the request and returns the upstream JSON whole
type batchRelay struct {
	scrub              scrubber
	defaultMaxTokens   int
	defaultTemperature float64
}

func (batchRelay) mode() Mode { return ModeBatch }

func (b batchRelay) body(req *chatRequest) ([]byte, error) {
	return req.normalized(b.defaultMaxTokens, b.defaultTemperature)
}

func (b batchRelay) respond(w http.ResponseWriter, resp *http.Response) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBatchResponseBytes))
	if err != nil {
		msg := b.scrub.clean(fmt.Sprintf("failed to read upstream response: %v", err))
		writeError(w, http.StatusInternalServerError, msg)
		return "error", errors.New(msg)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upstreamErr := &UpstreamError{Status: resp.StatusCode, Body: b.scrub.clean(string(body))}
		writeJSON(w, http.StatusInternalServerError, batchErrorBody{
			Error: batchErrorDetail{
				Status:         "INTERNAL",
				Message:        upstreamErr.Error(),
				UpstreamStatus: upstreamErr.Status,
				UpstreamBody:   upstreamErr.Body,
			},
		})
		return "upstream_error", upstreamErr
	}

	if !json.Valid(body) {
		writeError(w, http.StatusInternalServerError, "upstream returned invalid JSON")
		return "error", errors.New("upstream returned invalid JSON")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	return "ok", nil
}
