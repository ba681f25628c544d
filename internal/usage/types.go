package usage

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/foresee/internal/notify"
	"github.com/goodtune/foresee/internal/storage"
)

const (
	// DefaultPollInterval is how often the monitor evaluates usage
	DefaultPollInterval = 15 * time.Minute

	// DefaultQueryWindow is how far back each poll looks. It is wider than the
	// poll interval so a missed poll loses nothing.
	DefaultQueryWindow = 3 * time.Hour

	// DefaultCooldown is the idle time after which an app's alert state resets
	DefaultCooldown = 20 * time.Minute

	// DefaultLevel1Threshold is the foreground time that triggers the first alert
	DefaultLevel1Threshold = 90 * time.Minute

	// DefaultLevel2Threshold is the foreground time that triggers the second alert
	DefaultLevel2Threshold = 130 * time.Minute

	// DefaultNotifyTimeout bounds a single alert delivery
	DefaultNotifyTimeout = 10 * time.Second
)

var (
	// ErrSourceUnavailable wraps failures of the usage source; the poll is skipped
	ErrSourceUnavailable = errors.New("usage source unavailable")

	// ErrAlreadyRunning is returned by Start on a running monitor
	ErrAlreadyRunning = errors.New("monitor already running")

	// ErrEmptyAppID is returned by Snooze and Reset without an app ID
	ErrEmptyAppID = errors.New("app id is required")
)

// UsageSource reports per-app foreground usage inside a time window
type UsageSource interface {
	QueryForegroundUsage(ctx context.Context, start, end time.Time) ([]storage.UsageRecord, error)
}

// Thresholds drive the per-app alert state machine
type Thresholds struct {
	Cooldown time.Duration
	Level1   time.Duration
	Level2   time.Duration
}

// DefaultThresholds returns the 20/90/130 minute thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Cooldown: DefaultCooldown,
		Level1:   DefaultLevel1Threshold,
		Level2:   DefaultLevel2Threshold,
	}
}

// Config holds monitor configuration
type Config struct {
	PollInterval  time.Duration
	QueryWindow   time.Duration
	NotifyTimeout time.Duration
	Thresholds    Thresholds
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:  DefaultPollInterval,
		QueryWindow:   DefaultQueryWindow,
		NotifyTimeout: DefaultNotifyTimeout,
		Thresholds:    DefaultThresholds(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.QueryWindow <= 0 {
		c.QueryWindow = d.QueryWindow
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.Thresholds.Cooldown <= 0 {
		c.Thresholds.Cooldown = d.Thresholds.Cooldown
	}
	if c.Thresholds.Level1 <= 0 {
		c.Thresholds.Level1 = d.Thresholds.Level1
	}
	if c.Thresholds.Level2 <= 0 {
		c.Thresholds.Level2 = d.Thresholds.Level2
	}
	return c
}

// Decision is the outcome of evaluating one app in one poll
type Decision struct {
	// State is the state to persist. It carries the version that was read.
	State storage.AlertState

	// Changed reports whether State differs from the input state
	Changed bool

	// Reset reports whether the cooldown rule fired
	Reset bool

	// AlertLevel is the level of the alert to emit, or LevelNone
	AlertLevel int
}

// PollResult summarizes one poll cycle
type PollResult struct {
	Evaluated int
	Alerts    []notify.Alert
	Resets    int
	Failed    map[string]error
	Duration  time.Duration
}
