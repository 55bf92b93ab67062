package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"post_scheduler/internal/model"
)

const timeLayout = "2006-01-02T15:04:05Z"

// DB implements Storage on top of database/sql. Queries are written with ?
// placeholders and rewritten for drivers that use numbered parameters.
type DB struct {
	db       *sql.DB
	numbered bool
}

// Close closes the underlying database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) rebind(query string) string {
	if s.numbered {
		return rebindNumbered(query)
	}
	return query
}

func (s *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// CreateAccount inserts a new account and populates its ID and CreatedAt.
func (s *DB) CreateAccount(ctx context.Context, acc *model.Account) error {
	now := formatTime(time.Now())
	err := s.queryRow(ctx,
		`INSERT INTO accounts (owner_id, platform_user_id, username, access_token, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		acc.OwnerID, acc.PlatformUserID, acc.Username, acc.AccessToken, now,
	).Scan(&acc.ID)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	acc.CreatedAt = parseTime(now)
	return nil
}

// GetAccount returns a single account by its ID.
func (s *DB) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	var acc model.Account
	var created string
	err := s.queryRow(ctx,
		`SELECT id, owner_id, platform_user_id, username, access_token, created_at
		 FROM accounts WHERE id = ?`, id,
	).Scan(&acc.ID, &acc.OwnerID, &acc.PlatformUserID, &acc.Username, &acc.AccessToken, &created)
	if err != nil {
		return nil, fmt.Errorf("scan account %d: %w", id, notFound(err))
	}
	acc.CreatedAt = parseTime(created)
	return &acc, nil
}

const postColumns = `id, account_id, content_type, text, media_urls, thread, scheduled_at, status,
	is_recurring, recurring_type, recurring_days, posted_id, error_message, claimed_at, created_at, updated_at`

// CreateScheduledPost inserts a new scheduled post and populates its ID and timestamps.
// An empty status defaults to pending and an empty recurring type to none.
func (s *DB) CreateScheduledPost(ctx context.Context, p *model.ScheduledPost) error {
	if p.Status == "" {
		p.Status = model.PostPending
	}
	if p.RecurringType == "" {
		p.RecurringType = model.RecurNone
	}
	media, err := json.Marshal(nonNil(p.Content.MediaURLs))
	if err != nil {
		return fmt.Errorf("encode media urls: %w", err)
	}
	thread, err := json.Marshal(nonNil(p.Content.Thread))
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}

	now := formatTime(time.Now())
	err = s.queryRow(ctx,
		`INSERT INTO scheduled_posts (account_id, content_type, text, media_urls, thread, scheduled_at, status,
		   is_recurring, recurring_type, recurring_days, posted_id, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.AccountID, string(p.Content.Type), p.Content.Text, string(media), string(thread),
		formatTime(p.ScheduledAt), string(p.Status), boolToInt(p.IsRecurring), string(p.RecurringType),
		joinDays(p.RecurringDays), nullString(p.PostedID), nullString(p.ErrorMessage), now, now,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert scheduled post: %w", err)
	}
	p.CreatedAt = parseTime(now)
	p.UpdatedAt = p.CreatedAt
	return nil
}

// GetScheduledPost returns a single scheduled post by its ID.
func (s *DB) GetScheduledPost(ctx context.Context, id int64) (*model.ScheduledPost, error) {
	row := s.queryRow(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if err != nil {
		return nil, fmt.Errorf("scan scheduled post %d: %w", id, notFound(err))
	}
	return &p, nil
}

// ListDuePosts returns pending posts scheduled at or before now, earliest first.
// recurring selects between the recurring and non-recurring sets.
func (s *DB) ListDuePosts(ctx context.Context, now time.Time, recurring bool) ([]model.ScheduledPost, error) {
	rows, err := s.query(ctx,
		`SELECT `+postColumns+` FROM scheduled_posts
		 WHERE status = ? AND is_recurring = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at, id`,
		string(model.PostPending), boolToInt(recurring), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query due posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []model.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// UpdatePostStatusIf moves a post from expected to next in a single statement
// and returns the number of affected rows. Zero means the post was not in the
// expected state. Moving to processing stamps claimed_at with at.
func (s *DB) UpdatePostStatusIf(ctx context.Context, id int64, expected, next model.PostStatus, at time.Time) (int64, error) {
	var res sql.Result
	var err error
	if next == model.PostProcessing {
		res, err = s.exec(ctx,
			`UPDATE scheduled_posts SET status = ?, claimed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(next), formatTime(at), formatTime(at), id, string(expected),
		)
	} else {
		res, err = s.exec(ctx,
			`UPDATE scheduled_posts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(next), formatTime(at), id, string(expected),
		)
	}
	if err != nil {
		return 0, fmt.Errorf("update post status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// CompletePost marks a processing post as completed with its external id.
func (s *DB) CompletePost(ctx context.Context, id int64, postedID string) error {
	return s.guardedPostUpdate(ctx, "complete post",
		`UPDATE scheduled_posts SET status = ?, posted_id = ?, error_message = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.PostCompleted), postedID, formatTime(time.Now()), id, string(model.PostProcessing),
	)
}

// FailPost marks a processing post as failed with the given cause.
func (s *DB) FailPost(ctx context.Context, id int64, message string) error {
	return s.guardedPostUpdate(ctx, "fail post",
		`UPDATE scheduled_posts SET status = ?, error_message = ?, posted_id = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.PostFailed), message, formatTime(time.Now()), id, string(model.PostProcessing),
	)
}

// RearmPost returns a completed recurring post to pending at its next occurrence.
func (s *DB) RearmPost(ctx context.Context, id int64, next time.Time) error {
	return s.guardedPostUpdate(ctx, "rearm post",
		`UPDATE scheduled_posts
		 SET status = ?, scheduled_at = ?, posted_id = NULL, error_message = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.PostPending), formatTime(next), formatTime(time.Now()), id, string(model.PostCompleted),
	)
}

func (s *DB) guardedPostUpdate(ctx context.Context, op, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return nil
}

// ReclaimStalePosts fails posts that have been processing since before claimedBefore.
func (s *DB) ReclaimStalePosts(ctx context.Context, claimedBefore time.Time, message string) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE scheduled_posts SET status = ?, error_message = ?, updated_at = ?
		 WHERE status = ? AND COALESCE(claimed_at, updated_at) < ?`,
		string(model.PostFailed), message, formatTime(time.Now()),
		string(model.PostProcessing), formatTime(claimedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale posts: %w", err)
	}
	return res.RowsAffected()
}

const ruleColumns = `id, account_id, is_active, trigger_type, trigger_keywords, response_text,
	response_delay_seconds, max_replies_per_day, today_replies, total_replies, last_reset_date, created_at`

// CreateRule inserts a new auto-reply rule and populates its ID and CreatedAt.
func (s *DB) CreateRule(ctx context.Context, r *model.AutoReplyRule) error {
	keywords, err := json.Marshal(nonNil(r.TriggerKeywords))
	if err != nil {
		return fmt.Errorf("encode keywords: %w", err)
	}
	now := formatTime(time.Now())
	err = s.queryRow(ctx,
		`INSERT INTO auto_reply_rules (account_id, is_active, trigger_type, trigger_keywords, response_text,
		   response_delay_seconds, max_replies_per_day, today_replies, total_replies, last_reset_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		r.AccountID, boolToInt(r.IsActive), string(r.TriggerType), string(keywords), r.ResponseText,
		r.ResponseDelaySeconds, r.MaxRepliesPerDay, r.TodayReplies, r.TotalReplies, r.LastResetDate, now,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	r.CreatedAt = parseTime(now)
	return nil
}

// GetRule returns a single auto-reply rule by its ID.
func (s *DB) GetRule(ctx context.Context, id int64) (*model.AutoReplyRule, error) {
	row := s.queryRow(ctx, `SELECT `+ruleColumns+` FROM auto_reply_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err != nil {
		return nil, fmt.Errorf("scan rule %d: %w", id, notFound(err))
	}
	return &r, nil
}

// ListActiveRules returns all active rules ordered by ID.
func (s *DB) ListActiveRules(ctx context.Context) ([]model.AutoReplyRule, error) {
	rows, err := s.query(ctx, `SELECT `+ruleColumns+` FROM auto_reply_rules WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.AutoReplyRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ResetRuleQuota zeroes the daily counter if the rule was last reset before today.
// It reports whether a reset happened.
func (s *DB) ResetRuleQuota(ctx context.Context, id int64, today string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE auto_reply_rules SET today_replies = 0, last_reset_date = ? WHERE id = ? AND last_reset_date < ?`,
		today, id, today,
	)
	if err != nil {
		return false, fmt.Errorf("reset rule quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// IncrementRuleReplies counts one sent reply against the rule, unless the daily
// limit is already reached. It reports whether the counters changed.
func (s *DB) IncrementRuleReplies(ctx context.Context, id int64) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE auto_reply_rules SET today_replies = today_replies + 1, total_replies = total_replies + 1
		 WHERE id = ? AND today_replies < max_replies_per_day`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("increment rule replies: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// CreateReplyLog appends an auto-reply log entry.
func (s *DB) CreateReplyLog(ctx context.Context, l *model.AutoReplyLog) error {
	now := formatTime(time.Now())
	err := s.queryRow(ctx,
		`INSERT INTO auto_reply_logs (rule_id, source_post_id, source_reply_id, source_username, source_text,
		   reply_id, status, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		l.RuleID, l.SourcePostID, l.SourceReplyID, l.SourceUsername, l.SourceText,
		l.ReplyID, string(l.Status), l.ErrorMessage, now,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert reply log: %w", err)
	}
	l.CreatedAt = parseTime(now)
	return nil
}

// ListReplyLogs returns the log entries of a rule in insertion order.
func (s *DB) ListReplyLogs(ctx context.Context, ruleID int64) ([]model.AutoReplyLog, error) {
	rows, err := s.query(ctx,
		`SELECT id, rule_id, source_post_id, source_reply_id, source_username, source_text,
		   reply_id, status, error_message, created_at
		 FROM auto_reply_logs WHERE rule_id = ? ORDER BY id`, ruleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query reply logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []model.AutoReplyLog
	for rows.Next() {
		var l model.AutoReplyLog
		var status, created string
		if err := rows.Scan(&l.ID, &l.RuleID, &l.SourcePostID, &l.SourceReplyID, &l.SourceUsername,
			&l.SourceText, &l.ReplyID, &status, &l.ErrorMessage, &created); err != nil {
			return nil, fmt.Errorf("scan reply log: %w", err)
		}
		l.Status = model.ReplyLogStatus(status)
		l.CreatedAt = parseTime(created)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// InsertProcessedReply records that a reply was evaluated for an account.
// It reports false when the pair was already recorded.
func (s *DB) InsertProcessedReply(ctx context.Context, accountID int64, replyID string, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO processed_replies (account_id, reply_id, processed_at) VALUES (?, ?, ?)
		 ON CONFLICT (account_id, reply_id) DO NOTHING`,
		accountID, replyID, formatTime(at),
	)
	if err != nil {
		return false, fmt.Errorf("insert processed reply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// IsReplyProcessed checks whether a reply has already been evaluated for an account.
func (s *DB) IsReplyProcessed(ctx context.Context, accountID int64, replyID string) (bool, error) {
	var count int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM processed_replies WHERE account_id = ? AND reply_id = ?`,
		accountID, replyID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check processed reply: %w", err)
	}
	return count > 0, nil
}

// ListProcessedReplies returns an account's dedup markers, oldest first.
func (s *DB) ListProcessedReplies(ctx context.Context, accountID int64) ([]model.ProcessedReply, error) {
	rows, err := s.query(ctx,
		`SELECT account_id, reply_id, processed_at FROM processed_replies
		 WHERE account_id = ? ORDER BY processed_at, reply_id`, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("query processed replies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var markers []model.ProcessedReply
	for rows.Next() {
		var m model.ProcessedReply
		var at string
		if err := rows.Scan(&m.AccountID, &m.ReplyID, &at); err != nil {
			return nil, fmt.Errorf("scan processed reply: %w", err)
		}
		m.ProcessedAt = parseTime(at)
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// DeleteProcessedRepliesBefore removes dedup markers processed before cutoff.
func (s *DB) DeleteProcessedRepliesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM processed_replies WHERE processed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete processed replies: %w", err)
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// joinDays encodes recurrence days as "1,3,5".
func joinDays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// splitDays decodes "1,3,5", skipping entries that are not integers.
func splitDays(raw string) []int {
	var days []int
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		days = append(days, d)
	}
	return days
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPost(row scannable) (model.ScheduledPost, error) {
	var p model.ScheduledPost
	var contentType, media, thread, scheduled, status, recurType, days, created, updated string
	var isRecurring int
	var postedID, errMsg, claimed sql.NullString
	err := row.Scan(&p.ID, &p.AccountID, &contentType, &p.Content.Text, &media, &thread, &scheduled, &status,
		&isRecurring, &recurType, &days, &postedID, &errMsg, &claimed, &created, &updated)
	if err != nil {
		return p, err
	}
	p.Content.Type = model.ContentType(contentType)
	if err := json.Unmarshal([]byte(media), &p.Content.MediaURLs); err != nil {
		return p, fmt.Errorf("decode media urls: %w", err)
	}
	if err := json.Unmarshal([]byte(thread), &p.Content.Thread); err != nil {
		return p, fmt.Errorf("decode thread: %w", err)
	}
	if len(p.Content.MediaURLs) == 0 {
		p.Content.MediaURLs = nil
	}
	if len(p.Content.Thread) == 0 {
		p.Content.Thread = nil
	}
	p.ScheduledAt = parseTime(scheduled)
	p.Status = model.PostStatus(status)
	p.IsRecurring = isRecurring == 1
	p.RecurringType = model.RecurringType(recurType)
	p.RecurringDays = splitDays(days)
	p.PostedID = postedID.String
	p.ErrorMessage = errMsg.String
	if claimed.Valid {
		t := parseTime(claimed.String)
		p.ClaimedAt = &t
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

// scanRule tolerates a malformed keyword list by leaving TriggerKeywords empty,
// so the rule simply never matches on keywords.
func scanRule(row scannable) (model.AutoReplyRule, error) {
	var r model.AutoReplyRule
	var isActive int
	var trigger, keywords, created string
	err := row.Scan(&r.ID, &r.AccountID, &isActive, &trigger, &keywords, &r.ResponseText,
		&r.ResponseDelaySeconds, &r.MaxRepliesPerDay, &r.TodayReplies, &r.TotalReplies, &r.LastResetDate, &created)
	if err != nil {
		return r, err
	}
	r.IsActive = isActive == 1
	r.TriggerType = model.TriggerType(trigger)
	if err := json.Unmarshal([]byte(keywords), &r.TriggerKeywords); err != nil || len(r.TriggerKeywords) == 0 {
		r.TriggerKeywords = nil
	}
	r.CreatedAt = parseTime(created)
	return r, nil
}
