package storage

import (
	"fmt"
	"time"
)

// Notification levels.
const (
	LevelNone   = 0
	LevelFirst  = 1
	LevelSecond = 2

	// MaxLevel is the highest notification level an app can reach.
	MaxLevel = LevelSecond
)

// UsageRecord is the foreground usage reported for one app.
type UsageRecord struct {
	AppID             string `json:"app_id"`
	TotalForegroundMs int64  `json:"total_foreground_ms"`
	LastUsedAtMs      int64  `json:"last_used_at_ms"`
	ReportedAtMs      int64  `json:"reported_at_ms,omitempty"`
}

// TotalForeground returns the foreground time as a duration.
func (r UsageRecord) TotalForeground() time.Duration {
	return time.Duration(r.TotalForegroundMs) * time.Millisecond
}

// LastUsedAt returns the last foreground activity as a time.
func (r UsageRecord) LastUsedAt() time.Time {
	return time.UnixMilli(r.LastUsedAtMs)
}

// MaxClockSkew is how far past server time a reported last_used_at_ms may be.
const MaxClockSkew = 5 * time.Minute

// Validate checks a record received from a usage agent against the server
// time now.
func (r UsageRecord) Validate(now time.Time) error {
	if r.AppID == "" {
		return fmt.Errorf("app_id is required")
	}
	if r.TotalForegroundMs < 0 {
		return fmt.Errorf("total_foreground_ms must not be negative (app %s)", r.AppID)
	}
	if r.LastUsedAtMs <= 0 {
		return fmt.Errorf("last_used_at_ms must be set (app %s)", r.AppID)
	}
	if r.LastUsedAtMs > now.Add(MaxClockSkew).UnixMilli() {
		return fmt.Errorf("last_used_at_ms is in the future (app %s)", r.AppID)
	}
	return nil
}

// AlertState is the persisted notification state for one app.
type AlertState struct {
	AppID             string `json:"app_id"`
	NotificationLevel int    `json:"notification_level"`
	LastNotifiedAtMs  int64  `json:"last_notified_at_ms"`
	// Version increases on every write and guards conditional commits.
	Version int64 `json:"version"`
}

// NewAlertState returns the implicit initial state for an app seen for the first time.
func NewAlertState(appID string) AlertState {
	return AlertState{AppID: appID, NotificationLevel: LevelNone}
}

// LastNotifiedAt returns the last emission time, or the zero time if never notified.
func (s AlertState) LastNotifiedAt() time.Time {
	if s.LastNotifiedAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.LastNotifiedAtMs)
}
