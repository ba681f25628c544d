package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/foresee/internal/storage"
	"github.com/redis/go-redis/v9"
)

var reportUsage = redis.NewScript(reportUsageScript)

type usageStore struct {
	client *redis.Client
	keys   keyspace
}

// Report stores the latest usage snapshot for each record
func (s *usageStore) Report(ctx context.Context, records []storage.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	if err := reportUsage.Load(ctx, s.client).Err(); err != nil {
		return fmt.Errorf("failed to load report script: %w", err)
	}

	reportedAt := time.Now().UnixMilli()

	pipe := s.client.Pipeline()
	for _, record := range records {
		keys := []string{s.keys.usage(record.AppID), s.keys.usageIndex()}
		args := []interface{}{record.AppID, record.TotalForegroundMs, record.LastUsedAtMs, reportedAt}
		reportUsage.EvalSha(ctx, pipe, keys, args...)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store usage report: %w", err)
	}

	return nil
}

// QueryForegroundUsage returns the apps with foreground activity inside [start, end]
func (s *usageStore) QueryForegroundUsage(ctx context.Context, start, end time.Time) ([]storage.UsageRecord, error) {
	appIDs, err := s.client.ZRangeByScore(ctx, s.keys.usageIndex(), &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	if len(appIDs) == 0 {
		return []storage.UsageRecord{}, nil
	}

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(appIDs))
	for i, appID := range appIDs {
		cmds[i] = pipe.HGetAll(ctx, s.keys.usage(appID))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.UsageRecord, 0, len(appIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		record, err := parseUsageRecord(data)
		if err == nil {
			records = append(records, *record)
		}
	}

	return records, nil
}
