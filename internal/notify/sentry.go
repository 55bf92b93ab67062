package notify

import (
	"context"
	"errors"
	"strconv"

	"github.com/getsentry/sentry-go"
)

type sentryHub interface {
	WithScope(f func(scope *sentry.Scope))
	CaptureException(exception error) *sentry.EventID
}

// Sentry reports alerts as Sentry exceptions.
type Sentry struct {
	hub sentryHub
}

// NewSentry creates a notifier on the given hub. A nil hub means the current hub.
func NewSentry(hub *sentry.Hub) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Sentry{hub: hub}
}

// Notify captures the event's error, tagged with its identifiers.
func (s *Sentry) Notify(_ context.Context, e Event) error {
	err := e.Err
	if err == nil {
		err = errors.New(e.Message)
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", string(e.Kind))
		if e.RunID != "" {
			scope.SetTag("run_id", e.RunID)
		}
		if e.AccountID != 0 {
			scope.SetTag("account_id", strconv.FormatInt(e.AccountID, 10))
		}
		if e.EntityID != 0 {
			scope.SetTag("entity_id", strconv.FormatInt(e.EntityID, 10))
		}
		s.hub.CaptureException(err)
	})
	return nil
}
