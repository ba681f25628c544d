package usage

import (
	"time"

	"github.com/goodtune/foresee/internal/storage"
)

// Evaluate runs one step of the per-app alert state machine.
//
// An app idle for longer than the cooldown with an alert outstanding starts a
// fresh session at level 0; that poll does not escalate it again. Otherwise the
// highest crossed tier above the current level is emitted. Levels only move
// 0 -> 1 -> 2 here; snooze and explicit reset are handled by the store.
func Evaluate(rec storage.UsageRecord, state storage.AlertState, now time.Time, th Thresholds) Decision {
	next := state
	decision := Decision{}

	idle := now.Sub(rec.LastUsedAt())
	if idle > th.Cooldown && next.NotificationLevel > storage.LevelNone {
		next.NotificationLevel = storage.LevelNone
		decision.Reset = true
	}

	if !decision.Reset {
		total := rec.TotalForeground()
		switch {
		case total > th.Level2 && next.NotificationLevel < storage.LevelSecond:
			decision.AlertLevel = storage.LevelSecond
		case total > th.Level1 && next.NotificationLevel < storage.LevelFirst:
			decision.AlertLevel = storage.LevelFirst
		}

		if decision.AlertLevel != storage.LevelNone {
			next.NotificationLevel = decision.AlertLevel
			next.LastNotifiedAtMs = now.UnixMilli()
		}
	}

	decision.State = next
	decision.Changed = next.NotificationLevel != state.NotificationLevel ||
		next.LastNotifiedAtMs != state.LastNotifiedAtMs

	return decision
}
