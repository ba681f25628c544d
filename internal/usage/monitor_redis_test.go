package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/foresee/internal/config"
	"github.com/goodtune/foresee/internal/notify"
	"github.com/goodtune/foresee/internal/storage"
	"github.com/goodtune/foresee/internal/storage/redis"
	"github.com/rs/zerolog"
)

func TestMonitor_WithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	clock := NewTestClock(time.Now())
	notifier := &recordingNotifier{}

	monitor := NewMonitor(store.Usage(), store.Alerts(), notifier, DefaultConfig(), zerolog.Nop(),
		WithClock(clock),
		WithBuilder(notify.NewBuilder(notify.NewSeededCatalog(3), "")),
	)

	now := clock.Now()
	err = store.Usage().Report(ctx, []storage.UsageRecord{
		{AppID: "com.instagram.android", TotalForegroundMs: (95 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(-time.Minute).UnixMilli()},
		{AppID: "com.android.chrome", TotalForegroundMs: (140 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(-2 * time.Minute).UnixMilli()},
		{AppID: "com.example.notes", TotalForegroundMs: (5 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(-time.Minute).UnixMilli()},
		{AppID: "com.example.yesterday", TotalForegroundMs: (300 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(-10 * time.Hour).UnixMilli()},
	})
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	res, err := monitor.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if res.Evaluated != 3 {
		t.Errorf("Expected 3 apps inside the query window, got %d", res.Evaluated)
	}
	if len(res.Alerts) != 2 {
		t.Fatalf("Expected 2 alerts, got %d", len(res.Alerts))
	}

	levels := map[string]int{"com.instagram.android": 1, "com.android.chrome": 2}
	for appID, want := range levels {
		st, err := store.Alerts().Get(ctx, appID)
		if err != nil {
			t.Fatalf("Get %s failed: %v", appID, err)
		}
		if st.NotificationLevel != want {
			t.Errorf("Expected %s at level %d, got %d", appID, want, st.NotificationLevel)
		}
	}

	// Unchanged apps are not written
	if _, err := store.Alerts().Get(ctx, "com.example.notes"); err != storage.ErrNotFound {
		t.Errorf("Expected no state for an app below thresholds, got %v", err)
	}

	// Snooze through the monitor and confirm the next poll is quiet
	if _, err := monitor.Snooze(ctx, "com.instagram.android"); err != nil {
		t.Fatalf("Snooze failed: %v", err)
	}
	res, err = monitor.Poll(ctx)
	if err != nil {
		t.Fatalf("Second poll failed: %v", err)
	}
	if len(res.Alerts) != 0 {
		t.Errorf("Expected no alerts after snooze, got %d", len(res.Alerts))
	}
}

func TestMonitor_DeviceClockAhead(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now()

	err = store.Usage().Report(ctx, []storage.UsageRecord{
		{AppID: "com.instagram.android", TotalForegroundMs: (100 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(30 * time.Second).UnixMilli()},
		{AppID: "com.android.chrome", TotalForegroundMs: time.Minute.Milliseconds(), LastUsedAtMs: now.UnixMicro()},
	})
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	err = store.Usage().Report(ctx, []storage.UsageRecord{
		{AppID: "com.android.chrome", TotalForegroundMs: (140 * time.Minute).Milliseconds(), LastUsedAtMs: now.UnixMilli()},
	})
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	// Poll after the reports landed
	clock := NewTestClock(time.Now().Add(time.Second))
	notifier := &recordingNotifier{}
	monitor := NewMonitor(store.Usage(), store.Alerts(), notifier, DefaultConfig(), zerolog.Nop(),
		WithClock(clock),
		WithBuilder(notify.NewBuilder(notify.NewSeededCatalog(3), "")),
	)

	res, err := monitor.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if res.Evaluated != 2 {
		t.Fatalf("Expected both apps evaluated, got %d", res.Evaluated)
	}

	levels := map[string]int{}
	for _, a := range res.Alerts {
		levels[a.AppID] = a.Level
	}
	if levels["com.instagram.android"] != 1 {
		t.Errorf("Expected a level 1 alert for com.instagram.android, got %v", levels)
	}
	if levels["com.android.chrome"] != 2 {
		t.Errorf("Expected a level 2 alert for com.android.chrome, got %v", levels)
	}
}

func TestMonitor_UnreadableStateIsolated(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now()

	err = store.Usage().Report(ctx, []storage.UsageRecord{
		{AppID: "com.android.chrome", TotalForegroundMs: (140 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(-time.Minute).UnixMilli()},
		{AppID: "com.broken.app", TotalForegroundMs: (140 * time.Minute).Milliseconds(), LastUsedAtMs: now.Add(-time.Minute).UnixMilli()},
	})
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	mr.HSet("foresee:alert:com.broken.app", "app_id", "com.broken.app", "level", "two")

	clock := NewTestClock(time.Now().Add(time.Second))
	monitor := NewMonitor(store.Usage(), store.Alerts(), &recordingNotifier{}, DefaultConfig(), zerolog.Nop(),
		WithClock(clock),
		WithBuilder(notify.NewBuilder(notify.NewSeededCatalog(3), "")),
	)

	res, err := monitor.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if res.Evaluated != 1 {
		t.Errorf("Expected 1 app evaluated, got %d", res.Evaluated)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].AppID != "com.android.chrome" {
		t.Errorf("Expected one alert for com.android.chrome, got %+v", res.Alerts)
	}
	if _, ok := res.Failed["com.broken.app"]; !ok || len(res.Failed) != 1 {
		t.Errorf("Expected only com.broken.app in Failed, got %v", res.Failed)
	}

	st, err := store.Alerts().Get(ctx, "com.android.chrome")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st.NotificationLevel != storage.LevelSecond {
		t.Errorf("Expected com.android.chrome at level 2, got %d", st.NotificationLevel)
	}
}
