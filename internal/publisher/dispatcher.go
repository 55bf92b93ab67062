// Package publisher claims due scheduled posts and publishes them to the platform.
package publisher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"post_scheduler/internal/model"
	"post_scheduler/internal/platform"
)

// Store is the persistence the Dispatcher needs.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	ListDuePosts(ctx context.Context, now time.Time, recurring bool) ([]model.ScheduledPost, error)
	UpdatePostStatusIf(ctx context.Context, id int64, expected, next model.PostStatus, at time.Time) (int64, error)
	CompletePost(ctx context.Context, id int64, postedID string) error
	FailPost(ctx context.Context, id int64, message string) error
	RearmPost(ctx context.Context, id int64, next time.Time) error
}

// Recurrence computes the next occurrence of a recurring post.
type Recurrence interface {
	NextOccurrence(post model.ScheduledPost, now time.Time) (time.Time, bool)
}

// Outcome is the result of handling one due post.
type Outcome struct {
	PostID    int64
	AccountID int64
	// Skipped is set when another invocation claimed the post first.
	Skipped  bool
	Status   model.PostStatus
	PostedID string
	// NextAt is set when a recurring post was re-armed.
	NextAt *time.Time
	Err    error
}

// Dispatcher claims due posts one at a time and runs the publish protocol.
type Dispatcher struct {
	store        Store
	client       platform.Client
	recur        Recurrence
	log          *slog.Logger
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

// New creates a Dispatcher polling containers every 2 seconds.
func New(store Store, client platform.Client, recur Recurrence, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       client,
		recur:        recur,
		log:          log,
		pollInterval: 2 * time.Second,
		sleep:        sleep,
		now:          time.Now,
	}
}

// SetPollInterval overrides the container status poll interval.
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	d.pollInterval = interval
}

// SetSleep replaces the function used to wait between polls.
func (d *Dispatcher) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	d.sleep = fn
}

// SetClock replaces the clock used to bound container waits.
func (d *Dispatcher) SetClock(fn func() time.Time) {
	d.now = fn
}

// RunOnce publishes every post due at now, earliest first. The returned
// error reports failures to list due posts; per-post failures are carried
// in the outcomes.
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time) ([]Outcome, error) {
	var due []model.ScheduledPost
	var errs []error
	for _, recurring := range []bool{false, true} {
		posts, err := d.store.ListDuePosts(ctx, now, recurring)
		if err != nil {
			d.log.Error("list due posts", "recurring", recurring, "error", err)
			errs = append(errs, err)
			continue
		}
		due = append(due, posts...)
	}

	slices.SortStableFunc(due, func(a, b model.ScheduledPost) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	outcomes := make([]Outcome, 0, len(due))
	for _, post := range due {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, d.process(ctx, post, now))
	}
	return outcomes, errors.Join(errs...)
}

func (d *Dispatcher) process(ctx context.Context, post model.ScheduledPost, now time.Time) Outcome {
	out := Outcome{PostID: post.ID, AccountID: post.AccountID}

	n, err := d.store.UpdatePostStatusIf(ctx, post.ID, model.PostPending, model.PostProcessing, now)
	if err != nil {
		d.log.Error("claim post", "post_id", post.ID, "error", err)
		out.Err = err
		return out
	}
	if n == 0 {
		d.log.Debug("post already claimed", "post_id", post.ID)
		out.Skipped = true
		return out
	}

	postedID, err := d.publishPost(ctx, post)

	// The claim is ours; record the terminal state even if ctx was cancelled
	// while waiting on the platform.
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		d.log.Error("publish post", "post_id", post.ID, "type", post.Content.Type, "error", err)
		out.Status = model.PostFailed
		out.Err = err
		if ferr := d.store.FailPost(wctx, post.ID, err.Error()); ferr != nil {
			d.log.Error("mark post failed", "post_id", post.ID, "error", ferr)
		}
		return out
	}

	if err := d.store.CompletePost(wctx, post.ID, postedID); err != nil {
		d.log.Error("mark post completed", "post_id", post.ID, "posted_id", postedID, "error", err)
		out.Err = err
		return out
	}
	out.Status = model.PostCompleted
	out.PostedID = postedID
	d.log.Info("published post", "post_id", post.ID, "posted_id", postedID, "type", post.Content.Type)

	if !post.IsRecurring {
		return out
	}

	next, ok := d.recur.NextOccurrence(post, now)
	if !ok {
		d.log.Warn("recurring post has no next occurrence", "post_id", post.ID, "recurring_type", post.RecurringType)
		return out
	}
	if err := d.store.RearmPost(wctx, post.ID, next); err != nil {
		d.log.Error("rearm post", "post_id", post.ID, "error", err)
		out.Err = err
		return out
	}
	out.Status = model.PostPending
	out.NextAt = &next
	d.log.Info("rearmed recurring post", "post_id", post.ID, "next_at", next)
	return out
}

func (d *Dispatcher) publishPost(ctx context.Context, post model.ScheduledPost) (string, error) {
	acc, err := d.store.GetAccount(ctx, post.AccountID)
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	return d.publish(ctx, *acc, post.Content)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
