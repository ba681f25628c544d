package redis

import (
	"fmt"
	"strconv"

	"github.com/goodtune/foresee/internal/storage"
)

// parseAlertState converts a Redis hash to AlertState
func parseAlertState(data map[string]string) (*storage.AlertState, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	level, err := strconv.Atoi(data["level"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse level: %w", err)
	}

	lastNotifiedAt, err := parseOptionalInt(data["last_notified_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_notified_at: %w", err)
	}

	version, err := parseOptionalInt(data["version"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	return &storage.AlertState{
		AppID:             data["app_id"],
		NotificationLevel: level,
		LastNotifiedAtMs:  lastNotifiedAt,
		Version:           version,
	}, nil
}

// parseUsageRecord converts a Redis hash to UsageRecord
func parseUsageRecord(data map[string]string) (*storage.UsageRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	total, err := strconv.ParseInt(data["total_foreground_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_foreground_ms: %w", err)
	}

	lastUsedAt, err := strconv.ParseInt(data["last_used_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_used_at: %w", err)
	}

	reportedAt, err := parseOptionalInt(data["reported_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse reported_at: %w", err)
	}

	return &storage.UsageRecord{
		AppID:             data["app_id"],
		TotalForegroundMs: total,
		LastUsedAtMs:      lastUsedAt,
		ReportedAtMs:      reportedAt,
	}, nil
}

// parseOptionalInt parses an integer field that may be missing
func parseOptionalInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
