// Package model defines the domain types used across the application.
package model

import "time"

// Account is a connected social platform account.
type Account struct {
	ID             int64
	OwnerID        int64
	PlatformUserID string
	Username       string
	AccessToken    string
	CreatedAt      time.Time
}

// ContentType defines what kind of publication a scheduled post produces.
type ContentType string

// Supported content types.
const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentCarousel ContentType = "carousel"
	ContentThread   ContentType = "thread"
)

// ThreadPart is one post of a thread.
type ThreadPart struct {
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
}

// PostContent is the payload of a scheduled post.
type PostContent struct {
	Type      ContentType
	Text      string
	MediaURLs []string
	Thread    []ThreadPart
}

// PostStatus is the lifecycle state of a scheduled post.
type PostStatus string

// Post lifecycle states.
const (
	PostPending    PostStatus = "pending"
	PostProcessing PostStatus = "processing"
	PostCompleted  PostStatus = "completed"
	PostFailed     PostStatus = "failed"
)

// RecurringType defines how a recurring post advances after publication.
type RecurringType string

// Supported recurrence types.
const (
	RecurNone    RecurringType = "none"
	RecurDaily   RecurringType = "daily"
	RecurWeekly  RecurringType = "weekly"
	RecurMonthly RecurringType = "monthly"
)

// ScheduledPost is a unit of deferred publication.
//
// RecurringDays holds weekdays (0 = Sunday) for weekly recurrence and
// days of the month (1-31) for monthly recurrence.
type ScheduledPost struct {
	ID            int64
	AccountID     int64
	Content       PostContent
	ScheduledAt   time.Time
	Status        PostStatus
	IsRecurring   bool
	RecurringType RecurringType
	RecurringDays []int
	PostedID      string
	ErrorMessage  string
	ClaimedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TriggerType defines which incoming replies an auto-reply rule responds to.
type TriggerType string

// Supported trigger types.
const (
	TriggerAll     TriggerType = "all"
	TriggerMention TriggerType = "mention"
	TriggerKeyword TriggerType = "keyword"
)

// AutoReplyRule is a standing instruction to respond to replies on one account.
type AutoReplyRule struct {
	ID                   int64
	AccountID            int64
	IsActive             bool
	TriggerType          TriggerType
	TriggerKeywords      []string
	ResponseText         string
	ResponseDelaySeconds int
	MaxRepliesPerDay     int
	TodayReplies         int
	TotalReplies         int
	LastResetDate        string // YYYY-MM-DD in the configured location
	CreatedAt            time.Time
}

// ReplyLogStatus is the result of an auto-reply attempt.
type ReplyLogStatus string

// Auto-reply attempt results.
const (
	ReplySent   ReplyLogStatus = "sent"
	ReplyFailed ReplyLogStatus = "failed"
)

// AutoReplyLog is an append-only record of an attempted auto-reply.
type AutoReplyLog struct {
	ID             int64
	RuleID         int64
	SourcePostID   string
	SourceReplyID  string
	SourceUsername string
	SourceText     string
	ReplyID        string
	Status         ReplyLogStatus
	ErrorMessage   string
	CreatedAt      time.Time
}

// ProcessedReply marks an incoming reply as already evaluated for an account.
type ProcessedReply struct {
	AccountID   int64
	ReplyID     string
	ProcessedAt time.Time
}

// DateLayout is the layout of AutoReplyRule.LastResetDate.
const DateLayout = "2006-01-02"
