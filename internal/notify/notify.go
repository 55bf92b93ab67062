// Package notify delivers failure alerts to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an alert.
type Kind string

// Alert kinds.
const (
	KindPostFailed  Kind = "post_failed"
	KindReplyFailed Kind = "reply_failed"
	KindStaleClaims Kind = "stale_claims"
	KindStageFailed Kind = "stage_failed"
)

// Event is a single alert raised by a job run.
type Event struct {
	Kind      Kind
	RunID     string
	AccountID int64
	// EntityID is the post or rule the alert is about, if any.
	EntityID int64
	Message  string
	Err      error
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

// Notify delivers e to every notifier, even if some fail.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Format renders an event as a short plain-text message.
func Format(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.AccountID != 0 {
		fmt.Fprintf(&b, " account #%d", e.AccountID)
	}
	switch e.Kind {
	case KindPostFailed:
		fmt.Fprintf(&b, " post #%d", e.EntityID)
	case KindReplyFailed:
		fmt.Fprintf(&b, " rule #%d", e.EntityID)
	}
	if e.Message != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString("\n\n")
		b.WriteString(e.Err.Error())
	}
	if e.RunID != "" {
		fmt.Fprintf(&b, "\n\nrun %s", e.RunID)
	}
	return b.String()
}
