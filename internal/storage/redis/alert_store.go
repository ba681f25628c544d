package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/goodtune/foresee/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	commitAlert = redis.NewScript(commitAlertScript)
	setAlert    = redis.NewScript(setAlertScript)
	forceLevel  = redis.NewScript(forceLevelScript)
)

type alertStore struct {
	client *redis.Client
	keys   keyspace
}

// Get retrieves the alert state for an app
func (s *alertStore) Get(ctx context.Context, appID string) (*storage.AlertState, error) {
	data, err := s.client.HGetAll(ctx, s.keys.alert(appID)).Result()
	if err != nil {
		return nil, err
	}

	return parseAlertState(data)
}

// GetMany retrieves alert states for several apps in one round trip
func (s *alertStore) GetMany(ctx context.Context, appIDs []string) (map[string]storage.AlertState, error) {
	states := make(map[string]storage.AlertState, len(appIDs))
	if len(appIDs) == 0 {
		return states, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(appIDs))
	for i, appID := range appIDs {
		cmds[i] = pipe.HGetAll(ctx, s.keys.alert(appID))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	var unreadable storage.StateErrors
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		state, err := parseAlertState(data)
		if err != nil {
			if unreadable == nil {
				unreadable = make(storage.StateErrors)
			}
			unreadable[appIDs[i]] = err
			continue
		}
		states[appIDs[i]] = *state
	}

	if unreadable != nil {
		return states, unreadable
	}
	return states, nil
}

// List returns every alert state ever written, ordered by app ID
func (s *alertStore) List(ctx context.Context) ([]storage.AlertState, error) {
	appIDs, err := s.client.SMembers(ctx, s.keys.alertIndex()).Result()
	if err != nil {
		return nil, err
	}

	byApp, err := s.GetMany(ctx, appIDs)
	if err != nil {
		return nil, err
	}

	states := make([]storage.AlertState, 0, len(byApp))
	for _, state := range byApp {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].AppID < states[j].AppID })

	return states, nil
}

// Set writes an alert state without checking its version
func (s *alertStore) Set(ctx context.Context, state storage.AlertState) error {
	keys := []string{s.keys.alert(state.AppID), s.keys.alertIndex()}
	args := []interface{}{state.AppID, state.NotificationLevel, state.LastNotifiedAtMs}

	return setAlert.Run(ctx, s.client, keys, args...).Err()
}

// Commit writes a batch of alert states in a single pipeline. Each state is a
// separate compare-and-set, so one failure never blocks the others.
func (s *alertStore) Commit(ctx context.Context, states []storage.AlertState) map[string]error {
	if len(states) == 0 {
		return nil
	}

	// Make sure the script is cached so the pipeline can use EVALSHA
	if err := commitAlert.Load(ctx, s.client).Err(); err != nil {
		failed := make(map[string]error, len(states))
		for _, state := range states {
			failed[state.AppID] = fmt.Errorf("failed to load commit script: %w", err)
		}
		return failed
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.Cmd, len(states))
	for i, state := range states {
		keys := []string{s.keys.alert(state.AppID), s.keys.alertIndex()}
		args := []interface{}{state.AppID, state.NotificationLevel, state.LastNotifiedAtMs, state.Version}
		cmds[i] = commitAlert.EvalSha(ctx, pipe, keys, args...)
	}

	// Per-command errors are inspected below
	_, _ = pipe.Exec(ctx)

	var failed map[string]error
	for i, cmd := range cmds {
		appID := states[i].AppID

		version, err := cmd.Int64()
		switch {
		case err != nil:
			err = fmt.Errorf("failed to commit alert state: %w", err)
		case version == 0:
			err = storage.ErrConflict
		}

		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[appID] = err
		}
	}

	return failed
}

// Snooze forces an app to the maximum notification level
func (s *alertStore) Snooze(ctx context.Context, appID string) (*storage.AlertState, error) {
	return s.force(ctx, appID, storage.MaxLevel)
}

// Reset puts an app back at the initial notification level
func (s *alertStore) Reset(ctx context.Context, appID string) (*storage.AlertState, error) {
	return s.force(ctx, appID, storage.LevelNone)
}

func (s *alertStore) force(ctx context.Context, appID string, level int) (*storage.AlertState, error) {
	keys := []string{s.keys.alert(appID), s.keys.alertIndex()}

	res, err := forceLevel.Run(ctx, s.client, keys, appID, level).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected script result: %v", res)
	}

	lastNotifiedAt, err := strconv.ParseInt(res[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_notified_at: %w", err)
	}

	version, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	return &storage.AlertState{
		AppID:             appID,
		NotificationLevel: level,
		LastNotifiedAtMs:  lastNotifiedAt,
		Version:           version,
	}, nil
}
