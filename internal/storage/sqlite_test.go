package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"post_scheduler/internal/model"
)

var ignorePostTS = cmpopts.IgnoreFields(model.ScheduledPost{}, "CreatedAt", "UpdatedAt", "ClaimedAt")
var ignoreRuleTS = cmpopts.IgnoreFields(model.AutoReplyRule{}, "CreatedAt")

func newTestDB(t *testing.T) *DB {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestAccount(t *testing.T, s *DB) model.Account {
	t.Helper()
	acc := model.Account{OwnerID: 1, PlatformUserID: "1789", Username: "brand", AccessToken: "tok"}
	if err := s.CreateAccount(context.Background(), &acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc
}

func TestAccountCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	acc := newTestAccount(t, s)
	if acc.ID == 0 {
		t.Fatal("expected non-zero ID")
	}

	got, err := s.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(acc, *got, cmpopts.IgnoreFields(model.Account{}, "CreatedAt")); diff != "" {
		t.Errorf("GetAccount mismatch (-want +got):\n%s", diff)
	}

	_, err = s.GetAccount(ctx, 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduledPostCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		post model.ScheduledPost
	}{
		{
			name: "text post",
			post: model.ScheduledPost{
				AccountID:   acc.ID,
				Content:     model.PostContent{Type: model.ContentText, Text: "hello"},
				ScheduledAt: at,
			},
		},
		{
			name: "weekly carousel",
			post: model.ScheduledPost{
				AccountID: acc.ID,
				Content: model.PostContent{
					Type:      model.ContentCarousel,
					Text:      "album",
					MediaURLs: []string{"https://cdn.example.com/a.jpg", "https://cdn.example.com/b.mp4"},
				},
				ScheduledAt:   at,
				IsRecurring:   true,
				RecurringType: model.RecurWeekly,
				RecurringDays: []int{1, 3, 5},
			},
		},
		{
			name: "thread",
			post: model.ScheduledPost{
				AccountID: acc.ID,
				Content: model.PostContent{
					Type:   model.ContentThread,
					Thread: []model.ThreadPart{{Text: "1/2"}, {Text: "2/2", MediaURL: "https://cdn.example.com/c.png"}},
				},
				ScheduledAt: at,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.post
			if err := s.CreateScheduledPost(ctx, &p); err != nil {
				t.Fatalf("create: %v", err)
			}
			if p.ID == 0 {
				t.Fatal("expected non-zero ID")
			}

			got, err := s.GetScheduledPost(ctx, p.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}

			want := tt.post
			want.ID = p.ID
			want.Status = model.PostPending
			if want.RecurringType == "" {
				want.RecurringType = model.RecurNone
			}
			if diff := cmp.Diff(want, *got, ignorePostTS); diff != "" {
				t.Errorf("GetScheduledPost mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListDuePosts(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	posts := []struct {
		name      string
		post      model.ScheduledPost
		wantDue   bool
		recurring bool
	}{
		{
			name:    "due later",
			post:    model.ScheduledPost{ScheduledAt: now.Add(-time.Minute)},
			wantDue: true,
		},
		{
			name:    "due earlier",
			post:    model.ScheduledPost{ScheduledAt: now.Add(-time.Hour)},
			wantDue: true,
		},
		{
			name: "future",
			post: model.ScheduledPost{ScheduledAt: now.Add(time.Minute)},
		},
		{
			name: "already failed",
			post: model.ScheduledPost{ScheduledAt: now.Add(-time.Hour), Status: model.PostFailed, ErrorMessage: "x"},
		},
		{
			name:      "recurring",
			post:      model.ScheduledPost{ScheduledAt: now.Add(-time.Hour), IsRecurring: true, RecurringType: model.RecurDaily},
			recurring: true,
		},
	}

	for i := range posts {
		p := &posts[i].post
		p.AccountID = acc.ID
		p.Content = model.PostContent{Type: model.ContentText, Text: posts[i].name}
		if err := s.CreateScheduledPost(ctx, p); err != nil {
			t.Fatalf("create %s: %v", posts[i].name, err)
		}
	}

	got, err := s.ListDuePosts(ctx, now, false)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	var gotIDs []int64
	for _, p := range got {
		gotIDs = append(gotIDs, p.ID)
	}
	wantIDs := []int64{posts[1].post.ID, posts[0].post.ID}
	if diff := cmp.Diff(wantIDs, gotIDs); diff != "" {
		t.Errorf("due post IDs mismatch (-want +got):\n%s", diff)
	}

	recurring, err := s.ListDuePosts(ctx, now, true)
	if err != nil {
		t.Fatalf("list due recurring: %v", err)
	}
	if len(recurring) != 1 || recurring[0].ID != posts[4].post.ID {
		t.Errorf("expected only the recurring post, got %+v", recurring)
	}
}

func TestPostStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	p := model.ScheduledPost{AccountID: acc.ID, Content: model.PostContent{Type: model.ContentText, Text: "t"}, ScheduledAt: now}
	if err := s.CreateScheduledPost(ctx, &p); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.CompletePost(ctx, p.ID, "ext-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("complete before claim: expected ErrConflict, got %v", err)
	}

	n, err := s.UpdatePostStatusIf(ctx, p.ID, model.PostPending, model.PostProcessing, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 affected row on first claim, got %d", n)
	}

	n, err = s.UpdatePostStatusIf(ctx, p.ID, model.PostPending, model.PostProcessing, now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 affected rows on second claim, got %d", n)
	}

	if err := s.CompletePost(ctx, p.ID, "ext-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetScheduledPost(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.PostCompleted || got.PostedID != "ext-1" || got.ErrorMessage != "" {
		t.Errorf("unexpected completed post: %+v", got)
	}
	if got.ClaimedAt == nil || !got.ClaimedAt.Equal(now) {
		t.Errorf("expected ClaimedAt %v, got %v", now, got.ClaimedAt)
	}

	next := now.Add(24 * time.Hour)
	if err := s.RearmPost(ctx, p.ID, next); err != nil {
		t.Fatalf("rearm: %v", err)
	}
	got, err = s.GetScheduledPost(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.PostPending || got.PostedID != "" || !got.ScheduledAt.Equal(next) || got.ClaimedAt != nil {
		t.Errorf("unexpected rearmed post: %+v", got)
	}

	if _, err := s.UpdatePostStatusIf(ctx, p.ID, model.PostPending, model.PostProcessing, now); err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if err := s.FailPost(ctx, p.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err = s.GetScheduledPost(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.PostFailed || got.ErrorMessage != "boom" || got.PostedID != "" {
		t.Errorf("unexpected failed post: %+v", got)
	}
}

func TestConcurrentClaimAffectsOneRow(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)
	now := time.Now().UTC()

	p := model.ScheduledPost{AccountID: acc.ID, Content: model.PostContent{Type: model.ContentText, Text: "t"}, ScheduledAt: now}
	if err := s.CreateScheduledPost(ctx, &p); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total int64
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.UpdatePostStatusIf(ctx, p.ID, model.PostPending, model.PostProcessing, now)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if diff := cmp.Diff(int64(1), total); diff != "" {
		t.Errorf("claimed rows mismatch (-want +got):\n%s", diff)
	}
}

func TestReclaimStalePosts(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	stale := model.ScheduledPost{AccountID: acc.ID, Content: model.PostContent{Type: model.ContentText}, ScheduledAt: now}
	fresh := stale
	for _, p := range []*model.ScheduledPost{&stale, &fresh} {
		if err := s.CreateScheduledPost(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := s.UpdatePostStatusIf(ctx, stale.ID, model.PostPending, model.PostProcessing, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if _, err := s.UpdatePostStatusIf(ctx, fresh.ID, model.PostPending, model.PostProcessing, now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	n, err := s.ReclaimStalePosts(ctx, now.Add(-time.Hour), "interrupted")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed post, got %d", n)
	}

	got, _ := s.GetScheduledPost(ctx, stale.ID)
	if got.Status != model.PostFailed || got.ErrorMessage != "interrupted" {
		t.Errorf("stale post not failed: %+v", got)
	}
	got, _ = s.GetScheduledPost(ctx, fresh.ID)
	if got.Status != model.PostProcessing {
		t.Errorf("fresh post should stay processing, got %s", got.Status)
	}
}

func TestRuleQuota(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)

	r := model.AutoReplyRule{
		AccountID:        acc.ID,
		IsActive:         true,
		TriggerType:      model.TriggerKeyword,
		TriggerKeywords:  []string{"help", "price"},
		ResponseText:     "Hi {username}!",
		MaxRepliesPerDay: 2,
		TodayReplies:     1,
		TotalReplies:     7,
		LastResetDate:    "2026-03-01",
	}
	if err := s.CreateRule(ctx, &r); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	got, err := s.GetRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if diff := cmp.Diff(r, *got, ignoreRuleTS); diff != "" {
		t.Errorf("GetRule mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name      string
		op        func() (bool, error)
		want      bool
		wantToday int
		wantTotal int
	}{
		{name: "increment under limit", op: func() (bool, error) { return s.IncrementRuleReplies(ctx, r.ID) }, want: true, wantToday: 2, wantTotal: 8},
		{name: "increment at limit", op: func() (bool, error) { return s.IncrementRuleReplies(ctx, r.ID) }, want: false, wantToday: 2, wantTotal: 8},
		{name: "reset on new day", op: func() (bool, error) { return s.ResetRuleQuota(ctx, r.ID, "2026-03-02") }, want: true, wantToday: 0, wantTotal: 8},
		{name: "reset same day again", op: func() (bool, error) { return s.ResetRuleQuota(ctx, r.ID, "2026-03-02") }, want: false, wantToday: 0, wantTotal: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.op()
			if err != nil {
				t.Fatalf("op: %v", err)
			}
			if diff := cmp.Diff(tt.want, ok); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
			got, err := s.GetRule(ctx, r.ID)
			if err != nil {
				t.Fatalf("get rule: %v", err)
			}
			if diff := cmp.Diff([2]int{tt.wantToday, tt.wantTotal}, [2]int{got.TodayReplies, got.TotalReplies}); diff != "" {
				t.Errorf("counters mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListActiveRules(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)

	rules := []model.AutoReplyRule{
		{AccountID: acc.ID, IsActive: true, TriggerType: model.TriggerAll, ResponseText: "a", MaxRepliesPerDay: 5},
		{AccountID: acc.ID, IsActive: false, TriggerType: model.TriggerAll, ResponseText: "b", MaxRepliesPerDay: 5},
		{AccountID: acc.ID, IsActive: true, TriggerType: model.TriggerMention, ResponseText: "c", MaxRepliesPerDay: 5},
	}
	for i := range rules {
		if err := s.CreateRule(ctx, &rules[i]); err != nil {
			t.Fatalf("create rule %d: %v", i, err)
		}
	}

	got, err := s.ListActiveRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []model.AutoReplyRule{rules[0], rules[2]}
	if diff := cmp.Diff(want, got, ignoreRuleTS); diff != "" {
		t.Errorf("ListActiveRules mismatch (-want +got):\n%s", diff)
	}
}

func TestMalformedKeywordsReadAsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)

	r := model.AutoReplyRule{AccountID: acc.ID, IsActive: true, TriggerType: model.TriggerKeyword, ResponseText: "x", MaxRepliesPerDay: 1}
	if err := s.CreateRule(ctx, &r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE auto_reply_rules SET trigger_keywords = 'help,price' WHERE id = ?`, r.ID); err != nil {
		t.Fatalf("corrupt keywords: %v", err)
	}

	got, err := s.GetRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.TriggerKeywords != nil {
		t.Errorf("expected no keywords, got %q", got.TriggerKeywords)
	}
}

func TestReplyLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)

	r := model.AutoReplyRule{AccountID: acc.ID, IsActive: true, TriggerType: model.TriggerAll, ResponseText: "x", MaxRepliesPerDay: 1}
	if err := s.CreateRule(ctx, &r); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	logs := []model.AutoReplyLog{
		{RuleID: r.ID, SourcePostID: "p1", SourceReplyID: "r1", SourceUsername: "alice", SourceText: "hi", ReplyID: "x1", Status: model.ReplySent},
		{RuleID: r.ID, SourcePostID: "p1", SourceReplyID: "r2", SourceUsername: "bob", SourceText: "yo", Status: model.ReplyFailed, ErrorMessage: "rate limited"},
	}
	for i := range logs {
		if err := s.CreateReplyLog(ctx, &logs[i]); err != nil {
			t.Fatalf("create log %d: %v", i, err)
		}
	}

	got, err := s.ListReplyLogs(ctx, r.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(logs, got, cmpopts.IgnoreFields(model.AutoReplyLog{}, "CreatedAt")); diff != "" {
		t.Errorf("ListReplyLogs mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessedReplies(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	acc := newTestAccount(t, s)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seen, err := s.IsReplyProcessed(ctx, acc.ID, "r1")
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if seen {
		t.Fatal("expected r1 to be unprocessed")
	}

	inserted, err := s.InsertProcessedReply(ctx, acc.ID, "r1", now.Add(-8*24*time.Hour))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to succeed")
	}

	inserted, err = s.InsertProcessedReply(ctx, acc.ID, "r1", now)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate insert to be ignored")
	}

	if _, err := s.InsertProcessedReply(ctx, acc.ID, "r2", now.Add(-time.Hour)); err != nil {
		t.Fatalf("insert r2: %v", err)
	}

	markers, err := s.ListProcessedReplies(ctx, acc.ID)
	if err != nil {
		t.Fatalf("list processed replies: %v", err)
	}
	wantMarkers := []model.ProcessedReply{
		{AccountID: acc.ID, ReplyID: "r1", ProcessedAt: now.Add(-8 * 24 * time.Hour)},
		{AccountID: acc.ID, ReplyID: "r2", ProcessedAt: now.Add(-time.Hour)},
	}
	if diff := cmp.Diff(wantMarkers, markers); diff != "" {
		t.Errorf("markers mismatch (-want +got):\n%s", diff)
	}

	deleted, err := s.DeleteProcessedRepliesBefore(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted record, got %d", deleted)
	}

	for replyID, want := range map[string]bool{"r1": false, "r2": true} {
		got, err := s.IsReplyProcessed(ctx, acc.ID, replyID)
		if err != nil {
			t.Fatalf("is processed %s: %v", replyID, err)
		}
		if got != want {
			t.Errorf("IsReplyProcessed(%s) = %v, want %v", replyID, got, want)
		}
	}
}

func TestRebindNumbered(t *testing.T) {
	got := rebindNumbered(`UPDATE t SET a = ? WHERE id = ? AND b = ?`)
	want := `UPDATE t SET a = $1 WHERE id = $2 AND b = $3`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rebind mismatch (-want +got):\n%s", diff)
	}
}

// Ensure the Storage interface is satisfied.
var _ Storage = (*DB)(nil)
