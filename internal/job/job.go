// Package job runs one publishing cycle: stale-claim reclaim, dispatch,
// auto-replies and retention, strictly one after another.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"post_scheduler/internal/autoreply"
	"post_scheduler/internal/model"
	"post_scheduler/internal/notify"
	"post_scheduler/internal/publisher"
)

// StaleClaimMessage is recorded on posts whose publish was interrupted.
const StaleClaimMessage = "publish interrupted; verify on platform before rescheduling"

// Dispatcher publishes due scheduled posts.
type Dispatcher interface {
	RunOnce(ctx context.Context, now time.Time) ([]publisher.Outcome, error)
}

// AutoReplier evaluates auto-reply rules.
type AutoReplier interface {
	RunOnce(ctx context.Context, now time.Time) ([]autoreply.RuleOutcome, error)
}

// Sweeper prunes expired dedup markers.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Reclaimer fails posts left in processing by an interrupted run.
type Reclaimer interface {
	ReclaimStalePosts(ctx context.Context, claimedBefore time.Time, message string) (int64, error)
}

// Report summarizes one cycle.
type Report struct {
	RunID     string
	Reclaimed int64
	Posts     []publisher.Outcome
	Rules     []autoreply.RuleOutcome
	Swept     int64
}

// Job runs cycles on demand or on a ticker.
type Job struct {
	dispatcher Dispatcher
	replier    AutoReplier
	sweeper    Sweeper
	reclaimer  Reclaimer
	staleAfter time.Duration
	notifier   notify.Notifier
	log        *slog.Logger
	tick       time.Duration
}

// New creates a Job with a 5-minute tick and no alerts.
func New(d Dispatcher, r AutoReplier, s Sweeper, log *slog.Logger) *Job {
	return &Job{
		dispatcher: d,
		replier:    r,
		sweeper:    s,
		notifier:   notify.Multi{},
		log:        log,
		tick:       5 * time.Minute,
	}
}

// SetTickInterval overrides the default 5-minute cycle interval.
func (j *Job) SetTickInterval(d time.Duration) {
	j.tick = d
}

// SetNotifier sets where failure alerts are delivered.
func (j *Job) SetNotifier(n notify.Notifier) {
	j.notifier = n
}

// SetStaleReclaim enables failing posts that stayed in processing longer
// than after. A zero duration disables it.
func (j *Job) SetStaleReclaim(r Reclaimer, after time.Duration) {
	j.reclaimer = r
	j.staleAfter = after
}

// Run starts the cycle loop, blocking until ctx is cancelled.
func (j *Job) Run(ctx context.Context) {
	j.runLogged(ctx)

	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if _, err := j.RunOnce(ctx, time.Now()); err != nil {
		j.log.Error("run cycle", "error", err)
	}
}

// RunOnce runs a single cycle at now. A failing stage does not stop the
// stages after it; their errors are joined in the result.
func (j *Job) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	rep := Report{RunID: uuid.NewString()}
	log := j.log.With("run_id", rep.RunID)
	log.Debug("cycle started", "now", now)

	var errs []error
	stageFailed := func(stage string, err error) {
		err = fmt.Errorf("%s: %w", stage, err)
		log.Error("stage failed", "stage", stage, "error", err)
		j.alert(ctx, log, notify.Event{Kind: notify.KindStageFailed, RunID: rep.RunID, Message: stage, Err: err})
		errs = append(errs, err)
	}

	if j.reclaimer != nil && j.staleAfter > 0 {
		n, err := j.reclaimer.ReclaimStalePosts(ctx, now.Add(-j.staleAfter), StaleClaimMessage)
		if err != nil {
			stageFailed("reclaim", err)
		}
		rep.Reclaimed = n
		if n > 0 {
			log.Warn("reclaimed stale posts", "count", n)
			j.alert(ctx, log, notify.Event{
				Kind:    notify.KindStaleClaims,
				RunID:   rep.RunID,
				Message: fmt.Sprintf("stale posts marked failed: %d", n),
			})
		}
	}

	posts, err := j.dispatcher.RunOnce(ctx, now)
	if err != nil {
		stageFailed("dispatch", err)
	}
	rep.Posts = posts
	for _, o := range posts {
		if o.Status == model.PostFailed {
			j.alert(ctx, log, notify.Event{
				Kind: notify.KindPostFailed, RunID: rep.RunID,
				AccountID: o.AccountID, EntityID: o.PostID, Err: o.Err,
			})
		}
	}

	rules, err := j.replier.RunOnce(ctx, now)
	if err != nil {
		stageFailed("auto-reply", err)
	}
	rep.Rules = rules
	for _, o := range rules {
		if o.Failed > 0 {
			j.alert(ctx, log, notify.Event{
				Kind: notify.KindReplyFailed, RunID: rep.RunID,
				AccountID: o.AccountID, EntityID: o.RuleID,
				Message: fmt.Sprintf("failed auto-replies: %d", o.Failed),
			})
		}
	}

	swept, err := j.sweeper.Sweep(ctx, now)
	if err != nil {
		stageFailed("retention", err)
	}
	rep.Swept = swept

	published, failed := countPosts(posts)
	sent := 0
	for _, o := range rules {
		sent += o.Sent
	}
	log.Info("cycle finished",
		"reclaimed", rep.Reclaimed,
		"published", published,
		"failed", failed,
		"replies_sent", sent,
		"swept", swept,
	)
	return rep, errors.Join(errs...)
}

func (j *Job) alert(ctx context.Context, log *slog.Logger, e notify.Event) {
	if err := j.notifier.Notify(context.WithoutCancel(ctx), e); err != nil {
		log.Warn("deliver alert", "kind", e.Kind, "error", err)
	}
}

func countPosts(posts []publisher.Outcome) (published, failed int) {
	for _, o := range posts {
		switch {
		case o.Status == model.PostFailed:
			failed++
		case o.PostedID != "":
			published++
		}
	}
	return published, failed
}
