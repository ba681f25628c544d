// Package notify delivers usage alerts to users.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Alert is a single usage notification for an app
type Alert struct {
	ID        uuid.UUID    `json:"id"`
	AppID     string       `json:"app_id"`
	Level     int          `json:"level"`
	Category  Category     `json:"category"`
	Title     string       `json:"title"`
	Message   string       `json:"message"`
	Snooze    SnoozeAction `json:"snooze"`
	CreatedAt time.Time    `json:"created_at"`
}

// SnoozeAction lets the user silence further alerts for the app
type SnoozeAction struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Notifier delivers an alert. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
	Name() string
}

// SnoozeLabel is the action label attached to every alert
const SnoozeLabel = "Snooze for today"

// Builder turns an escalation into a fully formed alert
type Builder struct {
	catalog       *Catalog
	snoozeBaseURL string
}

// NewBuilder creates an alert builder. snoozeBaseURL may be empty, in which
// case alerts carry the snooze label without a URL.
func NewBuilder(catalog *Catalog, snoozeBaseURL string) *Builder {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Builder{
		catalog:       catalog,
		snoozeBaseURL: strings.TrimRight(snoozeBaseURL, "/"),
	}
}

// Build creates the alert for appID reaching level at the given time
func (b *Builder) Build(appID string, level int, at time.Time) Alert {
	category := CategoryFor(appID)

	alert := Alert{
		ID:        uuid.New(),
		AppID:     appID,
		Level:     level,
		Category:  category,
		Title:     Title(level),
		Message:   b.catalog.Message(category),
		Snooze:    SnoozeAction{Label: SnoozeLabel},
		CreatedAt: at,
	}

	if b.snoozeBaseURL != "" {
		alert.Snooze.URL = fmt.Sprintf("%s/v1/alerts/%s/snooze", b.snoozeBaseURL, url.PathEscape(appID))
	}

	return alert
}
