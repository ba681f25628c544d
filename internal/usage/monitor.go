package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goodtune/foresee/internal/metrics"
	"github.com/goodtune/foresee/internal/notify"
	"github.com/goodtune/foresee/internal/storage"
	"github.com/rs/zerolog"
)

// Monitor periodically evaluates foreground usage and emits tiered alerts
type Monitor struct {
	source   UsageSource
	alerts   storage.AlertStore
	notifier notify.Notifier
	builder  *notify.Builder
	clock    Clock
	cfg      Config
	logger   zerolog.Logger

	// pollMu serializes polls from the ticker and from callers
	pollMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Monitor
type Option func(*Monitor)

// WithClock overrides the time source
func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithBuilder overrides how alerts are built
func WithBuilder(b *notify.Builder) Option {
	return func(m *Monitor) { m.builder = b }
}

// NewMonitor creates a usage monitor. Zero config values take their defaults.
func NewMonitor(source UsageSource, alerts storage.AlertStore, notifier notify.Notifier, cfg Config, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		source:   source,
		alerts:   alerts,
		notifier: notifier,
		clock:    RealClock{},
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "usage-monitor").Logger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.builder == nil {
		m.builder = notify.NewBuilder(nil, "")
	}

	return m
}

// Config returns the effective configuration
func (m *Monitor) Config() Config {
	return m.cfg
}

// Start begins polling. The first poll runs immediately, then one every
// PollInterval. A slow poll delays the next tick rather than overlapping it.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx, m.done)

	m.logger.Info().
		Dur("poll_interval", m.cfg.PollInterval).
		Dur("query_window", m.cfg.QueryWindow).
		Dur("cooldown", m.cfg.Thresholds.Cooldown).
		Dur("level1_threshold", m.cfg.Thresholds.Level1).
		Dur("level2_threshold", m.cfg.Thresholds.Level2).
		Msg("Usage monitor started")

	return nil
}

// Stop stops polling and waits for an in-flight poll to finish. It is safe
// to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	m.logger.Info().Msg("Usage monitor stopped")
}

// run is the main scheduler loop
func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("Usage poll skipped")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type pendingAlert struct {
	appID string
	level int
}

// Poll evaluates current usage once. A source failure skips the poll
// entirely and returns an error wrapping ErrSourceUnavailable. Unreadable
// states and write failures are isolated per app and reported in
// PollResult.Failed.
func (m *Monitor) Poll(ctx context.Context) (*PollResult, error) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	started := time.Now()
	defer func() {
		metrics.PollDuration.Observe(time.Since(started).Seconds())
	}()

	now := m.clock.Now()

	records, err := m.source.QueryForegroundUsage(ctx, now.Add(-m.cfg.QueryWindow), now)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("source_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	records = latestPerApp(records)

	appIDs := make([]string, len(records))
	for i, rec := range records {
		appIDs[i] = rec.AppID
	}

	var unreadable storage.StateErrors
	states, err := m.alerts.GetMany(ctx, appIDs)
	if err != nil && !errors.As(err, &unreadable) {
		metrics.PollsTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("failed to load alert states: %w", err)
	}
	for appID, rerr := range unreadable {
		m.logger.Error().Err(rerr).Str("app_id", appID).Msg("Skipping app with unreadable alert state")
	}

	var (
		changed  []storage.AlertState
		pending  []pendingAlert
		resetIDs []string
	)

	evaluated := 0
	for _, rec := range records {
		if _, skip := unreadable[rec.AppID]; skip {
			continue
		}
		evaluated++

		state, ok := states[rec.AppID]
		if !ok {
			state = storage.NewAlertState(rec.AppID)
		}

		d := Evaluate(rec, state, now, m.cfg.Thresholds)
		if !d.Changed {
			continue
		}

		changed = append(changed, d.State)
		if d.Reset {
			resetIDs = append(resetIDs, rec.AppID)
		}
		if d.AlertLevel != storage.LevelNone {
			pending = append(pending, pendingAlert{appID: rec.AppID, level: d.AlertLevel})
		}

		m.logger.Debug().
			Str("app_id", rec.AppID).
			Int("from_level", state.NotificationLevel).
			Int("to_level", d.State.NotificationLevel).
			Dur("foreground", rec.TotalForeground()).
			Dur("idle", now.Sub(rec.LastUsedAt())).
			Msg("Alert state changed")
	}

	failed := m.alerts.Commit(ctx, changed)
	for appID, ferr := range failed {
		reason := "error"
		if errors.Is(ferr, storage.ErrConflict) {
			reason = "conflict"
		}
		metrics.CommitFailures.WithLabelValues(reason).Inc()
		m.logger.Error().Err(ferr).Str("app_id", appID).Msg("Failed to commit alert state")
	}

	for appID, rerr := range unreadable {
		if failed == nil {
			failed = make(map[string]error, len(unreadable))
		}
		failed[appID] = rerr
	}

	result := &PollResult{
		Evaluated: evaluated,
		Failed:    failed,
	}

	for _, appID := range resetIDs {
		if _, lost := failed[appID]; lost {
			continue
		}
		result.Resets++
		metrics.CooldownResets.Inc()
	}

	// Alerts go out only for states that landed, so a lost write never
	// produces an alert the stored level does not reflect
	for _, p := range pending {
		if _, lost := failed[p.appID]; lost {
			continue
		}
		alert := m.builder.Build(p.appID, p.level, now)
		m.deliver(ctx, alert)
		result.Alerts = append(result.Alerts, alert)
	}

	outcome := "ok"
	if len(failed) > 0 {
		outcome = "partial"
	}
	metrics.PollsTotal.WithLabelValues(outcome).Inc()
	metrics.AppsEvaluated.Set(float64(evaluated))
	result.Duration = time.Since(started)

	m.logger.Info().
		Int("evaluated", result.Evaluated).
		Int("alerts", len(result.Alerts)).
		Int("resets", result.Resets).
		Int("failed", len(failed)).
		Dur("duration", result.Duration).
		Msg("Usage poll complete")

	return result, nil
}

// deliver sends one alert. Delivery failures are logged and never retried.
func (m *Monitor) deliver(ctx context.Context, alert notify.Alert) {
	metrics.AlertsEmitted.WithLabelValues(strconv.Itoa(alert.Level), string(alert.Category)).Inc()

	if m.notifier == nil {
		return
	}

	nctx, cancel := context.WithTimeout(ctx, m.cfg.NotifyTimeout)
	defer cancel()

	if err := m.notifier.Notify(nctx, alert); err != nil {
		metrics.NotifyErrors.WithLabelValues(m.notifier.Name()).Inc()
		m.logger.Warn().
			Err(err).
			Str("app_id", alert.AppID).
			Int("level", alert.Level).
			Str("notifier", m.notifier.Name()).
			Msg("Failed to deliver alert")
	}
}

// Snooze forces the app to the maximum level, suppressing alerts until the
// next cooldown reset
func (m *Monitor) Snooze(ctx context.Context, appID string) (*storage.AlertState, error) {
	return m.override(ctx, "snooze", appID, m.alerts.Snooze)
}

// Reset puts the app back at level 0
func (m *Monitor) Reset(ctx context.Context, appID string) (*storage.AlertState, error) {
	return m.override(ctx, "reset", appID, m.alerts.Reset)
}

func (m *Monitor) override(ctx context.Context, action, appID string, fn func(context.Context, string) (*storage.AlertState, error)) (*storage.AlertState, error) {
	if appID == "" {
		return nil, ErrEmptyAppID
	}

	state, err := fn(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", action, appID, err)
	}

	metrics.AlertOverrides.WithLabelValues(action).Inc()
	m.logger.Info().
		Str("app_id", appID).
		Str("action", action).
		Int("level", state.NotificationLevel).
		Msg("Alert state overridden")

	return state, nil
}

// latestPerApp drops duplicate records, keeping the most recent activity for
// each app, and orders the result by app ID
func latestPerApp(records []storage.UsageRecord) []storage.UsageRecord {
	byApp := make(map[string]storage.UsageRecord, len(records))
	for _, rec := range records {
		if rec.AppID == "" {
			continue
		}
		if prev, ok := byApp[rec.AppID]; ok && prev.LastUsedAtMs >= rec.LastUsedAtMs {
			continue
		}
		byApp[rec.AppID] = rec
	}

	out := make([]storage.UsageRecord, 0, len(byApp))
	for _, rec := range byApp {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}
