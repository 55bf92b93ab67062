// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"post_scheduler/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update finds the record in an unexpected state.
	ErrConflict = errors.New("state conflict")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id int64) (*model.Account, error)

	CreateScheduledPost(ctx context.Context, p *model.ScheduledPost) error
	GetScheduledPost(ctx context.Context, id int64) (*model.ScheduledPost, error)
	ListDuePosts(ctx context.Context, now time.Time, recurring bool) ([]model.ScheduledPost, error)
	UpdatePostStatusIf(ctx context.Context, id int64, expected, next model.PostStatus, at time.Time) (int64, error)
	CompletePost(ctx context.Context, id int64, postedID string) error
	FailPost(ctx context.Context, id int64, message string) error
	RearmPost(ctx context.Context, id int64, next time.Time) error
	ReclaimStalePosts(ctx context.Context, claimedBefore time.Time, message string) (int64, error)

	CreateRule(ctx context.Context, r *model.AutoReplyRule) error
	GetRule(ctx context.Context, id int64) (*model.AutoReplyRule, error)
	ListActiveRules(ctx context.Context) ([]model.AutoReplyRule, error)
	ResetRuleQuota(ctx context.Context, id int64, today string) (bool, error)
	IncrementRuleReplies(ctx context.Context, id int64) (bool, error)

	CreateReplyLog(ctx context.Context, l *model.AutoReplyLog) error
	ListReplyLogs(ctx context.Context, ruleID int64) ([]model.AutoReplyLog, error)

	InsertProcessedReply(ctx context.Context, accountID int64, replyID string, at time.Time) (bool, error)
	IsReplyProcessed(ctx context.Context, accountID int64, replyID string) (bool, error)
	ListProcessedReplies(ctx context.Context, accountID int64) ([]model.ProcessedReply, error)
	DeleteProcessedRepliesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Open connects to the database for the given driver and runs pending migrations.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	default:
		return NewSQLite(dsn)
	}
}
