// Package retention prunes auto-reply dedup markers that are past their window.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultWindow is how long processed-reply markers are kept.
const DefaultWindow = 7 * 24 * time.Hour

// Store is the persistence the Sweeper needs.
type Store interface {
	DeleteProcessedRepliesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deletes processed-reply markers older than its window.
type Sweeper struct {
	store  Store
	log    *slog.Logger
	window time.Duration
}

// New creates a Sweeper. A non-positive window falls back to DefaultWindow.
func New(store Store, window time.Duration, log *slog.Logger) *Sweeper {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sweeper{store: store, log: log, window: window}
}

// Sweep removes every marker processed before now minus the window and
// returns how many were deleted.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.window)
	n, err := s.store.DeleteProcessedRepliesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep processed replies: %w", err)
	}
	if n > 0 {
		s.log.Info("swept processed replies", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
