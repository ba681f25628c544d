// Package llmproxy relays chat completion requests to an upstream LLM API
// while keeping the API key on the server.
package llmproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goodtune/foresee/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultUpstreamURL is the OpenRouter chat completion endpoint
	DefaultUpstreamURL = "https://openrouter.ai/api/v1/chat/completions"

	// DefaultTimeout bounds a batch request, or the wait for response headers
	// in stream mode
	DefaultTimeout = 120 * time.Second

	// DefaultMaxBodyBytes caps the accepted request payload
	DefaultMaxBodyBytes = 1 << 20

	// DefaultMaxTokens is applied in batch mode when the caller sets none
	DefaultMaxTokens = 3600

	// DefaultTemperature is applied in batch mode when the caller sets none
	DefaultTemperature = 0.7
)

// Routes accepted for chat completions
var chatRoutes = []string{"/", "/chat/completions", "/v1/chat/completions"}

// Config holds proxy configuration
type Config struct {
	Mode               Mode
	UpstreamURL        string
	APIKey             string
	Referer            string
	Title              string
	Timeout            time.Duration
	MaxBodyBytes       int64
	DefaultMaxTokens   int
	DefaultTemperature float64

	// RateLimit is requests per second per client IP; 0 disables limiting
	RateLimit        float64
	RateBurst        int
	RateLimitClients int

	// Client overrides the upstream HTTP client
	Client *http.Client
}

// Proxy is the chat completion relay. It is safe for concurrent use.
type Proxy struct {
	cfg     Config
	client  *http.Client
	relay   relay
	scrub   scrubber
	limiter *clientLimiter
	handler http.Handler
	logger  zerolog.Logger
}

// New creates a proxy. It fails with ErrMissingCredential when no API key
// is configured so the relay never calls upstream unauthenticated.
func New(cfg Config, logger zerolog.Logger) (*Proxy, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingCredential
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeStream
	}
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = DefaultUpstreamURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	if cfg.DefaultTemperature == 0 {
		cfg.DefaultTemperature = DefaultTemperature
	}

	p := &Proxy{
		cfg:    cfg,
		scrub:  scrubber{secret: cfg.APIKey},
		logger: logger.With().Str("component", "llm-proxy").Str("mode", string(cfg.Mode)).Logger(),
	}

	switch cfg.Mode {
	case ModeStream:
		p.relay = streamRelay{scrub: p.scrub}
	case ModeBatch:
		p.relay = batchRelay{
			scrub:              p.scrub,
			defaultMaxTokens:   cfg.DefaultMaxTokens,
			defaultTemperature: cfg.DefaultTemperature,
		}
	default:
		return nil, fmt.Errorf("unknown proxy mode: %q", cfg.Mode)
	}

	p.client = cfg.Client
	if p.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.Timeout
		p.client = &http.Client{Transport: transport}
	}

	if cfg.RateLimit > 0 {
		limiter, err := newClientLimiter(cfg.RateLimit, cfg.RateBurst, cfg.RateLimitClients)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		p.limiter = limiter
	}

	p.handler = p.routes()
	return p, nil
}

// Mode returns the relay mode
func (p *Proxy) Mode() Mode {
	return p.relay.mode()
}

// ServeHTTP implements http.Handler
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

func (p *Proxy) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, cors, metrics.Middleware("llm-proxy"))
	if p.limiter != nil {
		r.Use(p.rateLimit)
	}

	for _, path := range chatRoutes {
		r.Post(path, p.handleChat)
		r.Options(path, handlePreflight)
	}

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return r
}

func (p *Proxy) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	mode := string(p.relay.mode())
	logger := p.logger.With().
		Str("request_id", RequestIDFromContext(r.Context())).
		Str("client_ip", clientIP(r)).
		Logger()

	req, err := readChatRequest(r.Body, p.cfg.MaxBodyBytes)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues(mode, "bad_request").Inc()
		logger.Debug().Err(err).Msg("Rejected chat request")
		writeError(w, http.StatusBadRequest, p.scrub.clean(err.Error()))
		return
	}

	body, err := p.relay.body(req)
	if err != nil {
		p.fail(w, logger, mode, fmt.Errorf("failed to encode upstream request: %w", err))
		return
	}

	ctx := r.Context()
	if p.relay.mode() == ModeBatch {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	upstreamReq, err := p.newUpstreamRequest(ctx, body)
	if err != nil {
		p.fail(w, logger, mode, err)
		return
	}

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			metrics.ProxyRequestsTotal.WithLabelValues(mode, "client_gone").Inc()
			logger.Debug().Msg("Caller went away before upstream responded")
			return
		}
		p.fail(w, logger, mode, fmt.Errorf("upstream request failed: %w", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	outcome, err := p.relay.respond(w, resp)
	metrics.ProxyRequestsTotal.WithLabelValues(mode, outcome).Inc()
	metrics.ProxyUpstreamDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	event := logger.Info()
	if err != nil {
		event = logger.Warn().Str("error", p.scrub.clean(err.Error()))
	}
	event.
		Str("model", req.model()).
		Int("upstream_status", resp.StatusCode).
		Str("outcome", outcome).
		Dur("duration", time.Since(start)).
		Msg("Chat request relayed")
}

func (p *Proxy) newUpstreamRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", p.cfg.Referer)
	}
	if p.cfg.Title != "" {
		req.Header.Set("X-Title", p.cfg.Title)
	}
	return req, nil
}

// fail reports a local failure as a 500 with the scrubbed message
func (p *Proxy) fail(w http.ResponseWriter, logger zerolog.Logger, mode string, err error) {
	msg := p.scrub.clean(err.Error())
	metrics.ProxyRequestsTotal.WithLabelValues(mode, "error").Inc()
	logger.Error().Str("error", msg).Msg("Chat request failed")
	writeError(w, http.StatusInternalServerError, msg)
}

func (p *Proxy) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && !p.limiter.allow(clientIP(r)) {
			metrics.ProxyRateLimited.Inc()
			metrics.ProxyRequestsTotal.WithLabelValues(string(p.relay.mode()), "rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
