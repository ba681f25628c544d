package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/foresee/internal/config"
	"github.com/goodtune/foresee/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays 0
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "soon"})
	if err == nil {
		t.Fatal("Expected error for invalid dial_timeout")
	}
}

func TestAlertStore_GetMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	_, err := store.Alerts().Get(context.Background(), "com.example.unknown")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestAlertStore_SetAndGet(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	alerts := store.Alerts()

	state := storage.AlertState{
		AppID:             "com.instagram.android",
		NotificationLevel: 1,
		LastNotifiedAtMs:  1700000000000,
	}

	if err := alerts.Set(ctx, state); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	retrieved, err := alerts.Get(ctx, state.AppID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if retrieved.NotificationLevel != 1 {
		t.Errorf("Expected level 1, got %d", retrieved.NotificationLevel)
	}
	if retrieved.LastNotifiedAtMs != state.LastNotifiedAtMs {
		t.Errorf("Expected LastNotifiedAtMs %d, got %d", state.LastNotifiedAtMs, retrieved.LastNotifiedAtMs)
	}
	if retrieved.Version != 1 {
		t.Errorf("Expected version 1, got %d", retrieved.Version)
	}

	// A second write bumps the version
	state.NotificationLevel = 2
	if err := alerts.Set(ctx, state); err != nil {
		t.Fatalf("Second Set failed: %v", err)
	}

	retrieved, err = alerts.Get(ctx, state.AppID)
	if err != nil {
		t.Fatalf("Second Get failed: %v", err)
	}
	if retrieved.Version != 2 {
		t.Errorf("Expected version 2, got %d", retrieved.Version)
	}
}

func TestAlertStore_Commit(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	alerts := store.Alerts()

	// Existing state at version 1
	if err := alerts.Set(ctx, storage.AlertState{AppID: "app.existing", NotificationLevel: 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	failed := alerts.Commit(ctx, []storage.AlertState{
		{AppID: "app.new", NotificationLevel: 1, LastNotifiedAtMs: 1000, Version: 0},
		{AppID: "app.existing", NotificationLevel: 2, LastNotifiedAtMs: 2000, Version: 1},
	})
	if len(failed) != 0 {
		t.Fatalf("Expected all commits to succeed, got %v", failed)
	}

	states, err := alerts.GetMany(ctx, []string{"app.new", "app.existing", "app.absent"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}

	if len(states) != 2 {
		t.Fatalf("Expected 2 states, got %d", len(states))
	}
	if states["app.new"].NotificationLevel != 1 || states["app.new"].Version != 1 {
		t.Errorf("Unexpected app.new state: %+v", states["app.new"])
	}
	if states["app.existing"].NotificationLevel != 2 || states["app.existing"].Version != 2 {
		t.Errorf("Unexpected app.existing state: %+v", states["app.existing"])
	}
}

func TestAlertStore_CommitConflictIsolated(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	alerts := store.Alerts()

	// The poll read app.snoozed at version 0, then a snooze landed
	if _, err := alerts.Snooze(ctx, "app.snoozed"); err != nil {
		t.Fatalf("Snooze failed: %v", err)
	}

	failed := alerts.Commit(ctx, []storage.AlertState{
		{AppID: "app.snoozed", NotificationLevel: 1, LastNotifiedAtMs: 1000, Version: 0},
		{AppID: "app.other", NotificationLevel: 1, LastNotifiedAtMs: 1000, Version: 0},
	})

	if len(failed) != 1 {
		t.Fatalf("Expected exactly one failed commit, got %v", failed)
	}
	if !errors.Is(failed["app.snoozed"], storage.ErrConflict) {
		t.Errorf("Expected ErrConflict for app.snoozed, got %v", failed["app.snoozed"])
	}

	snoozed, err := alerts.Get(ctx, "app.snoozed")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snoozed.NotificationLevel != storage.MaxLevel {
		t.Errorf("Expected snoozed level to stay %d, got %d", storage.MaxLevel, snoozed.NotificationLevel)
	}

	other, err := alerts.Get(ctx, "app.other")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if other.NotificationLevel != 1 {
		t.Errorf("Expected app.other level 1, got %d", other.NotificationLevel)
	}
}

func TestAlertStore_SnoozeAndReset(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	alerts := store.Alerts()

	if err := alerts.Set(ctx, storage.AlertState{AppID: "com.android.chrome", NotificationLevel: 1, LastNotifiedAtMs: 5000}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	snoozed, err := alerts.Snooze(ctx, "com.android.chrome")
	if err != nil {
		t.Fatalf("Snooze failed: %v", err)
	}
	if snoozed.NotificationLevel != 2 {
		t.Errorf("Expected level 2 after snooze, got %d", snoozed.NotificationLevel)
	}
	if snoozed.LastNotifiedAtMs != 5000 {
		t.Errorf("Expected snooze to keep LastNotifiedAtMs 5000, got %d", snoozed.LastNotifiedAtMs)
	}
	if snoozed.Version != 2 {
		t.Errorf("Expected version 2, got %d", snoozed.Version)
	}

	reset, err := alerts.Reset(ctx, "com.android.chrome")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if reset.NotificationLevel != 0 {
		t.Errorf("Expected level 0 after reset, got %d", reset.NotificationLevel)
	}
	if reset.Version != 3 {
		t.Errorf("Expected version 3, got %d", reset.Version)
	}
}

func TestAlertStore_SnoozeUnknownApp(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	snoozed, err := store.Alerts().Snooze(context.Background(), "com.example.fresh")
	if err != nil {
		t.Fatalf("Snooze failed: %v", err)
	}
	if snoozed.NotificationLevel != 2 || snoozed.LastNotifiedAtMs != 0 || snoozed.Version != 1 {
		t.Errorf("Unexpected state for fresh snooze: %+v", snoozed)
	}
}

func TestAlertStore_GetManySkipsUnreadableState(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	alerts := store.Alerts()

	if err := alerts.Set(ctx, storage.AlertState{AppID: "com.android.chrome", NotificationLevel: 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	mr.HSet("foresee:alert:com.broken.app", "app_id", "com.broken.app", "level", "two")

	states, err := alerts.GetMany(ctx, []string{"com.android.chrome", "com.broken.app", "com.example.unknown"})

	var unreadable storage.StateErrors
	if !errors.As(err, &unreadable) {
		t.Fatalf("Expected StateErrors, got %v", err)
	}
	if len(unreadable) != 1 || unreadable["com.broken.app"] == nil {
		t.Errorf("Expected only com.broken.app to be unreadable, got %v", unreadable)
	}

	if len(states) != 1 {
		t.Fatalf("Expected 1 readable state, got %d", len(states))
	}
	if states["com.android.chrome"].NotificationLevel != 1 {
		t.Errorf("Expected com.android.chrome at level 1, got %+v", states["com.android.chrome"])
	}
}

func TestAlertStore_List(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	alerts := store.Alerts()

	for _, appID := range []string{"b.app", "a.app", "c.app"} {
		if err := alerts.Set(ctx, storage.NewAlertState(appID)); err != nil {
			t.Fatalf("Set %s failed: %v", appID, err)
		}
	}

	states, err := alerts.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(states) != 3 {
		t.Fatalf("Expected 3 states, got %d", len(states))
	}
	if states[0].AppID != "a.app" || states[2].AppID != "c.app" {
		t.Errorf("Expected states sorted by app ID, got %s..%s", states[0].AppID, states[2].AppID)
	}
}

func TestUsageStore_ReportAndQuery(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()

	now := time.Now()
	records := []storage.UsageRecord{
		{AppID: "com.instagram.android", TotalForegroundMs: (95 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(-time.Minute).UnixMilli()},
		{AppID: "org.mozilla.firefox", TotalForegroundMs: (10 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(-2 * time.Hour).UnixMilli()},
		{AppID: "com.example.stale", TotalForegroundMs: (200 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(-5 * time.Hour).UnixMilli()},
	}

	if err := usage.Report(ctx, records); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	got, err := usage.QueryForegroundUsage(ctx, now.Add(-3*time.Hour), now)
	if err != nil {
		t.Fatalf("QueryForegroundUsage failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 records inside the window, got %d", len(got))
	}

	byApp := make(map[string]storage.UsageRecord)
	for _, r := range got {
		byApp[r.AppID] = r
	}

	insta, ok := byApp["com.instagram.android"]
	if !ok {
		t.Fatal("Expected com.instagram.android in results")
	}
	if insta.TotalForegroundMs != records[0].TotalForegroundMs {
		t.Errorf("Expected TotalForegroundMs %d, got %d", records[0].TotalForegroundMs, insta.TotalForegroundMs)
	}
	if insta.ReportedAtMs == 0 {
		t.Error("Expected ReportedAtMs to be set")
	}
	if _, ok := byApp["com.example.stale"]; ok {
		t.Error("Did not expect stale app outside the window")
	}
}

func TestUsageStore_IgnoresOutOfOrderReport(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()
	now := time.Now()

	newer := storage.UsageRecord{AppID: "app", TotalForegroundMs: 5000, LastUsedAtMs: now.UnixMilli()}
	older := storage.UsageRecord{AppID: "app", TotalForegroundMs: 1000, LastUsedAtMs: now.Add(-time.Minute).UnixMilli()}

	if err := usage.Report(ctx, []storage.UsageRecord{newer}); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if err := usage.Report(ctx, []storage.UsageRecord{older}); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	got, err := usage.QueryForegroundUsage(ctx, now.Add(-time.Hour), now.Add(time.Second))
	if err != nil {
		t.Fatalf("QueryForegroundUsage failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(got))
	}
	if got[0].TotalForegroundMs != 5000 {
		t.Errorf("Expected newer report to win, got TotalForegroundMs %d", got[0].TotalForegroundMs)
	}
}

func TestUsageStore_FutureActivityStaysInWindow(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()
	now := time.Now()

	ahead := storage.UsageRecord{AppID: "com.android.chrome", TotalForegroundMs: 1000, LastUsedAtMs: now.Add(30 * time.Second).UnixMilli()}
	if err := usage.Report(ctx, []storage.UsageRecord{ahead}); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	end := time.Now()
	got, err := usage.QueryForegroundUsage(ctx, now.Add(-3*time.Hour), end)
	if err != nil {
		t.Fatalf("QueryForegroundUsage failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected the app inside the window, got %d records", len(got))
	}
	if got[0].LastUsedAtMs > end.UnixMilli() {
		t.Errorf("Expected last_used_at capped at report time, got %d > %d", got[0].LastUsedAtMs, end.UnixMilli())
	}

	// A correct report still replaces the capped snapshot
	fixed := storage.UsageRecord{AppID: "com.android.chrome", TotalForegroundMs: 2000, LastUsedAtMs: now.UnixMilli()}
	if err := usage.Report(ctx, []storage.UsageRecord{fixed}); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	got, err = usage.QueryForegroundUsage(ctx, now.Add(-3*time.Hour), time.Now())
	if err != nil {
		t.Fatalf("QueryForegroundUsage failed: %v", err)
	}
	if len(got) != 1 || got[0].TotalForegroundMs != 2000 {
		t.Errorf("Expected the corrected report to win, got %+v", got)
	}
}

func TestUsageStore_QueryEmpty(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	now := time.Now()
	got, err := store.Usage().QueryForegroundUsage(context.Background(), now.Add(-3*time.Hour), now)
	if err != nil {
		t.Fatalf("QueryForegroundUsage failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no records, got %d", len(got))
	}
}

func TestStore_PingAfterServerClose(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	mr.Close()

	if err := store.Ping(context.Background()); err == nil {
		t.Error("Expected Ping to fail once Redis is gone")
	}
}
