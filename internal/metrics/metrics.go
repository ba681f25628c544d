package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Monitor metrics
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresee_polls_total",
			Help: "Total usage polls by result",
		},
		[]string{"result"},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foresee_poll_duration_seconds",
			Help:    "Usage poll duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	AppsEvaluated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foresee_apps_evaluated",
			Help: "Number of apps evaluated in the most recent poll",
		},
	)

	AlertsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresee_alerts_emitted_total",
			Help: "Total usage alerts emitted",
		},
		[]string{"level", "category"},
	)

	CooldownResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foresee_cooldown_resets_total",
			Help: "Total alert states reset after an idle cooldown",
		},
	)

	CommitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresee_commit_failures_total",
			Help: "Alert state writes that failed during a poll",
		},
		[]string{"reason"},
	)

	NotifyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresee_notify_errors_total",
			Help: "Alert deliveries that failed",
		},
		[]string{"notifier"},
	)

	AlertOverrides = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresee_alert_overrides_total",
			Help: "Manual alert state changes (snooze, reset)",
		},
		[]string{"action"},
	)

	UsageRecordsReported = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foresee_usage_records_reported_total",
			Help: "Total usage records accepted from agents",
		},
	)

	// LLM proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresee_llm_proxy_requests_total",
			Help: "Total chat completion requests relayed",
		},
		[]string{"mode", "outcome"},
	)

	ProxyUpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foresee_llm_proxy_upstream_duration_seconds",
			Help:    "Time from upstream request to end of relayed response",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	ProxyActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foresee_llm_proxy_active_streams",
			Help: "Number of streaming responses currently being relayed",
		},
	)

	ProxyRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foresee_llm_proxy_rate_limited_total",
			Help: "Requests rejected by the per-client rate limit",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		PollsTotal,
		PollDuration,
		AppsEvaluated,
		AlertsEmitted,
		CooldownResets,
		CommitFailures,
		NotifyErrors,
		AlertOverrides,
		UsageRecordsReported,
		ProxyRequestsTotal,
		ProxyUpstreamDuration,
		ProxyActiveStreams,
		ProxyRateLimited,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: Handler(),
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler serves /metrics and /health
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
