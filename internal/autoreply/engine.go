// Package autoreply answers incoming replies on an account's recent posts
// according to the account's auto-reply rules.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"post_scheduler/internal/model"
	"post_scheduler/internal/platform"
)

// Reply delay bounds.
const (
	minReplyDelay = 10 * time.Second
	maxReplyDelay = 30 * time.Second
)

// Store is the persistence the Engine needs.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	ListActiveRules(ctx context.Context) ([]model.AutoReplyRule, error)
	ResetRuleQuota(ctx context.Context, id int64, today string) (bool, error)
	IncrementRuleReplies(ctx context.Context, id int64) (bool, error)
	CreateReplyLog(ctx context.Context, l *model.AutoReplyLog) error
	InsertProcessedReply(ctx context.Context, accountID int64, replyID string, at time.Time) (bool, error)
	IsReplyProcessed(ctx context.Context, accountID int64, replyID string) (bool, error)
}

// RuleOutcome summarizes one rule's evaluation in a cycle.
type RuleOutcome struct {
	RuleID    int64
	AccountID int64
	// QuotaReset is set when the daily counter was zeroed this cycle.
	QuotaReset bool
	// LimitReached is set when the daily limit stopped the rule, either
	// before any reply was fetched or in the middle of a scan.
	LimitReached bool
	Evaluated    int
	Sent         int
	Failed       int
	Err          error
}

// Engine evaluates active rules one at a time.
type Engine struct {
	store       Store
	client      platform.Client
	log         *slog.Logger
	loc         *time.Location
	recentPosts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates an Engine that scans the 10 most recent posts of each account.
// Calendar days for quota resets are taken in loc; nil means UTC.
func New(store Store, client platform.Client, loc *time.Location, log *slog.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store:       store,
		client:      client,
		log:         log,
		loc:         loc,
		recentPosts: 10,
		sleep:       sleep,
	}
}

// SetRecentPostsLimit overrides how many recent posts are scanned per rule.
func (e *Engine) SetRecentPostsLimit(n int) {
	if n > 0 {
		e.recentPosts = n
	}
}

// SetSleep replaces the function used for the reply delay.
func (e *Engine) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	e.sleep = fn
}

// RunOnce evaluates every active rule in ID order. The returned error reports
// failures to list rules; per-rule failures are carried in the outcomes.
func (e *Engine) RunOnce(ctx context.Context, now time.Time) ([]RuleOutcome, error) {
	rules, err := e.store.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	outcomes := make([]RuleOutcome, 0, len(rules))
	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, e.runRule(ctx, rule, now))
	}
	return outcomes, nil
}

func (e *Engine) runRule(ctx context.Context, rule model.AutoReplyRule, now time.Time) RuleOutcome {
	out := RuleOutcome{RuleID: rule.ID, AccountID: rule.AccountID}
	log := e.log.With("rule_id", rule.ID, "account_id", rule.AccountID)

	today := now.In(e.loc).Format(model.DateLayout)
	reset, err := e.store.ResetRuleQuota(ctx, rule.ID, today)
	if err != nil {
		log.Error("reset rule quota", "error", err)
		out.Err = err
		return out
	}
	if reset {
		rule.TodayReplies = 0
		rule.LastResetDate = today
		out.QuotaReset = true
	}

	if rule.TodayReplies >= rule.MaxRepliesPerDay {
		log.Info("daily limit reached", "today_replies", rule.TodayReplies, "max", rule.MaxRepliesPerDay)
		out.LimitReached = true
		return out
	}

	acc, err := e.store.GetAccount(ctx, rule.AccountID)
	if err != nil {
		log.Error("load account", "error", err)
		out.Err = err
		return out
	}

	posts, err := e.client.ListRecentPosts(ctx, *acc, e.recentPosts)
	if err != nil {
		log.Error("list recent posts", "error", err)
		out.Err = err
		return out
	}

	var errs []error
	for _, post := range posts {
		if ctx.Err() != nil {
			break
		}
		replies, err := e.client.ListReplies(ctx, *acc, post.ID)
		if err != nil {
			log.Warn("list replies", "post_id", post.ID, "error", err)
			errs = append(errs, fmt.Errorf("list replies of %s: %w", post.ID, err))
			continue
		}

		stop, err := e.handleReplies(ctx, log, *acc, &rule, post, replies, now, &out)
		if err != nil {
			errs = append(errs, err)
		}
		if stop {
			break
		}
	}

	out.Err = errors.Join(errs...)
	return out
}

// handleReplies runs the filter pipeline over one post's replies. It reports
// stop when the rule must not evaluate any further replies this cycle.
func (e *Engine) handleReplies(
	ctx context.Context,
	log *slog.Logger,
	acc model.Account,
	rule *model.AutoReplyRule,
	post platform.Post,
	replies []platform.Reply,
	now time.Time,
	out *RuleOutcome,
) (bool, error) {
	var errs []error
	for _, reply := range replies {
		if ctx.Err() != nil {
			return true, errors.Join(errs...)
		}
		if strings.EqualFold(reply.Username, acc.Username) {
			continue
		}

		done, err := e.store.IsReplyProcessed(ctx, acc.ID, reply.ID)
		if err != nil {
			log.Error("check processed reply", "reply_id", reply.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if done {
			continue
		}
		out.Evaluated++

		if !Match(*rule, acc.Username, reply.Text) {
			if _, err := e.store.InsertProcessedReply(ctx, acc.ID, reply.ID, now); err != nil {
				log.Error("mark reply processed", "reply_id", reply.ID, "error", err)
				errs = append(errs, err)
			}
			continue
		}

		if rule.TodayReplies >= rule.MaxRepliesPerDay {
			log.Info("daily limit reached", "today_replies", rule.TodayReplies, "max", rule.MaxRepliesPerDay)
			out.LimitReached = true
			return true, errors.Join(errs...)
		}

		// The marker doubles as the claim: an overlapping run that inserted it
		// first owns this reply.
		claimed, err := e.store.InsertProcessedReply(ctx, acc.ID, reply.ID, now)
		if err != nil {
			log.Error("claim reply", "reply_id", reply.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if !claimed {
			log.Debug("reply already claimed", "reply_id", reply.ID)
			continue
		}

		if err := e.respond(ctx, log, acc, rule, post, reply, out); err != nil {
			errs = append(errs, err)
		}
	}
	return false, errors.Join(errs...)
}

func (e *Engine) respond(
	ctx context.Context,
	log *slog.Logger,
	acc model.Account,
	rule *model.AutoReplyRule,
	post platform.Post,
	reply platform.Reply,
	out *RuleOutcome,
) error {
	entry := model.AutoReplyLog{
		RuleID:         rule.ID,
		SourcePostID:   post.ID,
		SourceReplyID:  reply.ID,
		SourceUsername: reply.Username,
		SourceText:     reply.Text,
	}

	replyID, sendErr := e.send(ctx, acc, rule, reply)

	wctx := context.WithoutCancel(ctx)
	if sendErr != nil {
		log.Error("send auto-reply", "reply_id", reply.ID, "error", sendErr)
		out.Failed++
		entry.Status = model.ReplyFailed
		entry.ErrorMessage = sendErr.Error()
		if err := e.store.CreateReplyLog(wctx, &entry); err != nil {
			log.Error("write reply log", "reply_id", reply.ID, "error", err)
			return err
		}
		return nil
	}

	out.Sent++
	entry.Status = model.ReplySent
	entry.ReplyID = replyID
	log.Info("sent auto-reply", "reply_id", reply.ID, "response_id", replyID, "username", reply.Username)

	var errs []error
	if err := e.store.CreateReplyLog(wctx, &entry); err != nil {
		log.Error("write reply log", "reply_id", reply.ID, "error", err)
		errs = append(errs, err)
	}

	counted, err := e.store.IncrementRuleReplies(wctx, rule.ID)
	switch {
	case err != nil:
		log.Error("count auto-reply", "reply_id", reply.ID, "error", err)
		errs = append(errs, err)
	case counted:
		rule.TodayReplies++
		rule.TotalReplies++
	default:
		// Another run used up the quota meanwhile.
		rule.TodayReplies = rule.MaxRepliesPerDay
	}
	return errors.Join(errs...)
}

func (e *Engine) send(ctx context.Context, acc model.Account, rule *model.AutoReplyRule, reply platform.Reply) (string, error) {
	if err := e.sleep(ctx, replyDelay(rule.ResponseDelaySeconds)); err != nil {
		return "", fmt.Errorf("wait before reply: %w", err)
	}
	text := Render(rule.ResponseText, reply.Username)
	return e.client.PublishReply(ctx, acc, reply.ID, text)
}

func replyDelay(seconds int) time.Duration {
	lo, hi := int(minReplyDelay/time.Second), int(maxReplyDelay/time.Second)
	return time.Duration(min(max(seconds, lo), hi)) * time.Second
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
