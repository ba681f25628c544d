package notify

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Multi fans an alert out to several notifiers concurrently
type Multi struct {
	notifiers []Notifier
}

// NewMulti combines notifiers. Nil entries are skipped.
func NewMulti(notifiers ...Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Name implements Notifier
func (m *Multi) Name() string {
	names := make([]string, len(m.notifiers))
	for i, n := range m.notifiers {
		names[i] = n.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// Len returns the number of wrapped notifiers
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify delivers to every notifier and returns the first error. A failing
// notifier does not cancel the others.
func (m *Multi) Notify(ctx context.Context, alert Alert) error {
	var g errgroup.Group
	for _, n := range m.notifiers {
		g.Go(func() error {
			if err := n.Notify(ctx, alert); err != nil {
				return fmt.Errorf("%s: %w", n.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
