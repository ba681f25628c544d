package llmproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "sk-or-v1-test-secret-0123456789"

const validPayload = `{"model":"openai/gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`

// upstreamStub records what the proxy sent upstream
type upstreamStub struct {
	calls   atomic.Int32
	handler func(w http.ResponseWriter, r *http.Request)

	mu     sync.Mutex
	header http.Header
	body   []byte
}

func (s *upstreamStub) lastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

func (s *upstreamStub) lastBody() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*upstreamStub, *httptest.Server) {
	t.Helper()

	stub := &upstreamStub{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		stub.mu.Lock()
		stub.header = r.Header.Clone()
		stub.body = body
		stub.mu.Unlock()
		stub.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return stub, srv
}

func newProxy(t *testing.T, cfg Config) *Proxy {
	t.Helper()

	if cfg.APIKey == "" {
		cfg.APIKey = testKey
	}
	if cfg.Referer == "" {
		cfg.Referer = "https://foresee.app"
	}
	if cfg.Title == "" {
		cfg.Title = "ForeSee AI"
	}

	p, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func post(p http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer caller-token")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)
	return rr
}

func assertCORS(t *testing.T, h http.Header) {
	t.Helper()
	assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", h.Get("Access-Control-Allow-Headers"))
}

func TestNew_MissingCredential(t *testing.T) {
	_, err := New(Config{Mode: ModeStream}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestNew_UnknownMode(t *testing.T) {
	_, err := New(Config{Mode: "websocket", APIKey: testKey}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown proxy mode")
}

func TestPreflight(t *testing.T) {
	stub, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	p := newProxy(t, Config{UpstreamURL: srv.URL})

	for _, path := range chatRoutes {
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, path, http.NoBody))

		assert.Equal(t, http.StatusNoContent, rr.Code, path)
		assert.Empty(t, rr.Body.String())
		assertCORS(t, rr.Header())
	}
	assert.Zero(t, stub.calls.Load())
}

func TestMethodNotAllowed(t *testing.T) {
	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	p := newProxy(t, Config{UpstreamURL: srv.URL})

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Contains(t, rr.Body.String(), "Method not allowed")
	assertCORS(t, rr.Header())
}

func TestMalformedInputRejectedBeforeUpstream(t *testing.T) {
	stub, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})

	for _, mode := range []Mode{ModeStream, ModeBatch} {
		p := newProxy(t, Config{Mode: mode, UpstreamURL: srv.URL, MaxBodyBytes: 512})

		tests := []struct {
			name    string
			body    string
			wantMsg string
		}{
			{"empty body", "", "empty"},
			{"invalid json", `{"model":`, "invalid JSON"},
			{"array body", `[1,2]`, "JSON object"},
			{"missing messages", `{"model":"m"}`, "messages"},
			{"empty messages", `{"model":"m","messages":[]}`, "non-empty array"},
			{"messages not array", `{"model":"m","messages":"hi"}`, "messages must be an array"},
			{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, "model"},
			{"model not string", `{"model":7,"messages":[{}]}`, "model"},
			{"max_tokens not number", `{"model":"m","messages":[{}],"max_tokens":"lots"}`, "max_tokens must be a number"},
			{"temperature not number", `{"model":"m","messages":[{}],"temperature":true}`, "temperature must be a number"},
			{"tools not array", `{"model":"m","messages":[{}],"tools":{}}`, "tools must be an array"},
			{"tool_choice bad type", `{"model":"m","messages":[{}],"tool_choice":3}`, "tool_choice"},
			{"too large", `{"model":"m","messages":[{"content":"` + strings.Repeat("x", 600) + `"}]}`, "exceeds"},
		}

		for _, tt := range tests {
			t.Run(string(mode)+"/"+tt.name, func(t *testing.T) {
				rr := post(p, "/", tt.body)

				assert.Equal(t, http.StatusBadRequest, rr.Code)
				assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
				assertCORS(t, rr.Header())

				var resp map[string]string
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.Contains(t, resp["error"], tt.wantMsg)
			})
		}
	}

	assert.Zero(t, stub.calls.Load())
}

func TestStream_RelaysEventStream(t *testing.T) {
	chunks := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: [DONE]\n\n",
	}

	stub, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			w.(http.Flusher).Flush()
		}
	})
	p := newProxy(t, Config{Mode: ModeStream, UpstreamURL: srv.URL})

	payload := `{"model":"m",  "messages":[{"role":"user","content":"hi"}],"stream":true,"custom":{"x":1}}`
	rr := post(p, "/", payload)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, strings.Join(chunks, ""), rr.Body.String())
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	assert.True(t, rr.Flushed)
	assertCORS(t, rr.Header())

	// Caller bytes go upstream untouched, with server-side headers only
	assert.Equal(t, payload, string(stub.lastBody()))
	assert.Equal(t, "Bearer "+testKey, stub.lastHeader().Get("Authorization"))
	assert.Equal(t, "application/json", stub.lastHeader().Get("Content-Type"))
	assert.Equal(t, "https://foresee.app", stub.lastHeader().Get("HTTP-Referer"))
	assert.Equal(t, "ForeSee AI", stub.lastHeader().Get("X-Title"))
}

func TestStream_UpstreamErrorPassesThrough(t *testing.T) {
	upstreamBody := `{"error":{"message":"Rate limit exceeded","code":429}}`
	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, upstreamBody)
	})
	p := newProxy(t, Config{Mode: ModeStream, UpstreamURL: srv.URL})

	rr := post(p, "/", validPayload)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, upstreamBody, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assertCORS(t, rr.Header())
	assert.NotContains(t, rr.Body.String(), testKey)
}

func TestBatch_NormalizesRequest(t *testing.T) {
	stub, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})
	p := newProxy(t, Config{Mode: ModeBatch, UpstreamURL: srv.URL})

	tests := []struct {
		name string
		body string
		want map[string]any
	}{
		{
			name: "defaults injected",
			body: `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`,
			want: map[string]any{"stream": false, "max_tokens": float64(3600), "temperature": 0.7},
		},
		{
			name: "explicit values kept",
			body: `{"model":"m","messages":[{}],"max_tokens":50,"temperature":0}`,
			want: map[string]any{"stream": false, "max_tokens": float64(50), "temperature": float64(0)},
		},
		{
			name: "tool choice defaults to auto",
			body: `{"model":"m","messages":[{}],"tools":[{"type":"function"}]}`,
			want: map[string]any{"tool_choice": "auto"},
		},
		{
			name: "camelCase aliases folded",
			body: `{"model":"m","messages":[{}],"maxTokens":99,"tools":[],"toolChoice":"none"}`,
			want: map[string]any{"max_tokens": float64(99), "tool_choice": "none"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(p, "/v1/chat/completions", tt.body)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.JSONEq(t, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"ok"}}]}`, rr.Body.String())

			var sent map[string]any
			require.NoError(t, json.Unmarshal(stub.lastBody(), &sent))
			for k, v := range tt.want {
				assert.Equal(t, v, sent[k], k)
			}
			assert.NotContains(t, sent, "maxTokens")
			assert.NotContains(t, sent, "toolChoice")
			assert.Equal(t, "m", sent["model"])
		})
	}
}

func TestBatch_UpstreamErrorIsStructured(t *testing.T) {
	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down, key "+testKey)
	})
	p := newProxy(t, Config{Mode: ModeBatch, UpstreamURL: srv.URL})

	rr := post(p, "/", validPayload)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), testKey)

	var resp batchErrorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "INTERNAL", resp.Error.Status)
	assert.Equal(t, http.StatusTooManyRequests, resp.Error.UpstreamStatus)
	assert.Equal(t, "slow down, key [REDACTED]", resp.Error.UpstreamBody)
	assert.Equal(t, "upstream API error: 429 - slow down, key [REDACTED]", resp.Error.Message)
}

func TestBatch_InvalidUpstreamJSON(t *testing.T) {
	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>gateway</html>")
	})
	p := newProxy(t, Config{Mode: ModeBatch, UpstreamURL: srv.URL})

	rr := post(p, "/", validPayload)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid JSON")
}

func TestBatch_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	p := newProxy(t, Config{Mode: ModeBatch, UpstreamURL: srv.URL, Timeout: 50 * time.Millisecond})

	rr := post(p, "/", validPayload)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "upstream request failed")
}

func TestLocalFailureScrubsCredential(t *testing.T) {
	for _, mode := range []Mode{ModeStream, ModeBatch} {
		t.Run(string(mode), func(t *testing.T) {
			// Nothing listens on port 1; the URL carries the key so the
			// transport error would echo it
			p := newProxy(t, Config{Mode: mode, UpstreamURL: "http://127.0.0.1:1/?key=" + testKey})

			rr := post(p, "/", validPayload)

			assert.Equal(t, http.StatusInternalServerError, rr.Code)
			assertCORS(t, rr.Header())

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp["error"])
			assert.NotContains(t, resp["error"], testKey)
			assert.Contains(t, resp["error"], redacted)
		})
	}
}

func TestStream_CallerDisconnectCancelsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	_, upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
			close(upstreamDone)
		case <-time.After(10 * time.Second):
		}
	})

	p := newProxy(t, Config{Mode: ModeStream, UpstreamURL: upstream.URL})
	front := httptest.NewServer(p)
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, front.URL, strings.NewReader(validPayload))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: first\n", line)

	cancel()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled after the caller disconnected")
	}
}

func TestRateLimit(t *testing.T) {
	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	p := newProxy(t, Config{Mode: ModeBatch, UpstreamURL: srv.URL, RateLimit: 0.001, RateBurst: 1})

	first := post(p, "/", validPayload)
	assert.Equal(t, http.StatusOK, first.Code)

	second := post(p, "/", validPayload)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assertCORS(t, second.Header())

	// Preflight is never limited
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/", http.NoBody))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	// Another client has its own bucket
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(validPayload))
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	other := httptest.NewRecorder()
	p.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestRequestIDHeader(t *testing.T) {
	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	p := newProxy(t, Config{Mode: ModeBatch, UpstreamURL: srv.URL})

	rr := post(p, "/chat/completions", validPayload)

	_, err := uuid.Parse(rr.Header().Get(RequestIDHeader))
	assert.NoError(t, err)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "10.0.0.2:555", "198.51.100.1"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.2:555", "198.51.100.2"},
		{"remote addr", nil, "192.0.2.7:4000", "192.0.2.7"},
		{"garbage forwarded", map[string]string{"X-Forwarded-For": "nope"}, "192.0.2.8:1", "192.0.2.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
