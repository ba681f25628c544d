package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrConflict is returned when a conditional write loses to a concurrent update.
var ErrConflict = errors.New("storage: concurrent update")

// StateErrors maps app IDs to the error reading their stored state. GetMany
// returns it alongside the states it could read.
type StateErrors map[string]error

func (e StateErrors) Error() string {
	ids := make([]string, 0, len(e))
	for appID := range e {
		ids = append(ids, appID)
	}
	sort.Strings(ids)
	return fmt.Sprintf("storage: unreadable state for %d app(s): %s", len(e), strings.Join(ids, ", "))
}

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	Alerts() AlertStore
	Usage() UsageStore
}

// AlertStore manages per-app alert state. Every write is atomic per app; no
// operation locks across apps.
type AlertStore interface {
	Get(ctx context.Context, appID string) (*AlertState, error)
	// GetMany returns the states that exist; apps never observed are absent from
	// the map. Apps whose state cannot be parsed are left out and reported in a
	// StateErrors error next to the readable states.
	GetMany(ctx context.Context, appIDs []string) (map[string]AlertState, error)
	List(ctx context.Context) ([]AlertState, error)
	// Set writes a state unconditionally and bumps its version.
	Set(ctx context.Context, state AlertState) error
	// Commit writes a batch of states. Each write only succeeds if the stored
	// version still equals state.Version; the result holds one entry per failed
	// app (ErrConflict or the underlying error). A nil map means every write landed.
	Commit(ctx context.Context, states []AlertState) map[string]error
	// Snooze forces the app to level 2 until the next cooldown reset.
	Snooze(ctx context.Context, appID string) (*AlertState, error)
	// Reset puts the app back at level 0.
	Reset(ctx context.Context, appID string) (*AlertState, error)
}

// UsageStore holds the latest usage snapshot reported for each app.
type UsageStore interface {
	Report(ctx context.Context, records []UsageRecord) error
	// QueryForegroundUsage returns every app whose last foreground activity
	// falls inside [start, end].
	QueryForegroundUsage(ctx context.Context, start, end time.Time) ([]UsageRecord, error)
}
