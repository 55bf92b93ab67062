package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
)

type sentMsg struct {
	ChatID  int64
	Text    string
	Preview bool
}

type mockAPI struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.err != nil {
		return tgbotapi.Message{}, m.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text, Preview: !msg.DisableWebPagePreview})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

type mockHub struct {
	scopes   int
	captured []error
}

func (h *mockHub) WithScope(f func(scope *sentry.Scope)) {
	h.scopes++
	f(sentry.NewScope())
}

func (h *mockHub) CaptureException(err error) *sentry.EventID {
	h.captured = append(h.captured, err)
	return nil
}

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name: "post failed",
			event: Event{
				Kind: KindPostFailed, RunID: "run-1", AccountID: 3, EntityID: 17,
				Err: errors.New("container c1: container processing timed out"),
			},
			want: "[post_failed] account #3 post #17\n\ncontainer c1: container processing timed out\n\nrun run-1",
		},
		{
			name:  "reply failed with message",
			event: Event{Kind: KindReplyFailed, AccountID: 3, EntityID: 5, Message: "2 replies failed"},
			want:  "[reply_failed] account #3 rule #5\n\n2 replies failed",
		},
		{
			name:  "stage failed",
			event: Event{Kind: KindStageFailed, Message: "dispatch", Err: errors.New("database is locked")},
			want:  "[stage_failed]\n\ndispatch\n\ndatabase is locked",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Format(tt.event)); diff != "" {
				t.Errorf("Format mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTelegramNotify(t *testing.T) {
	api := &mockAPI{}
	n := &Telegram{api: api, chatID: -100123}

	e := Event{Kind: KindStaleClaims, Message: "2 posts were stuck in processing"}
	if err := n.Notify(context.Background(), e); err != nil {
		t.Fatalf("notify: %v", err)
	}

	want := []sentMsg{{ChatID: -100123, Text: Format(e)}}
	if diff := cmp.Diff(want, api.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	api.err = errors.New("chat not found")
	if err := n.Notify(context.Background(), e); err == nil {
		t.Error("expected error from failing api")
	}
}

func TestSentryNotify(t *testing.T) {
	hub := &mockHub{}
	n := &Sentry{hub: hub}

	cause := errors.New("publish failed")
	if err := n.Notify(context.Background(), Event{Kind: KindPostFailed, AccountID: 1, EntityID: 2, Err: cause}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := n.Notify(context.Background(), Event{Kind: KindStaleClaims, Message: "1 post was stuck"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if hub.scopes != 2 || len(hub.captured) != 2 {
		t.Fatalf("expected 2 scoped captures, got %d scopes and %d captures", hub.scopes, len(hub.captured))
	}
	if !errors.Is(hub.captured[0], cause) {
		t.Errorf("captured %v, want %v", hub.captured[0], cause)
	}
	if hub.captured[1].Error() != "1 post was stuck" {
		t.Errorf("captured %q", hub.captured[1])
	}
}

func TestMulti(t *testing.T) {
	first := &recorder{err: errors.New("down")}
	second := &recorder{}
	m := Multi{first, second}

	e := Event{Kind: KindPostFailed, EntityID: 1}
	err := m.Notify(context.Background(), e)
	if err == nil || err.Error() != "down" {
		t.Errorf("Notify error = %v, want down", err)
	}
	if len(first.events) != 1 || len(second.events) != 1 {
		t.Errorf("every notifier must receive the event: %d, %d", len(first.events), len(second.events))
	}

	if err := (Multi{}).Notify(context.Background(), e); err != nil {
		t.Errorf("empty Multi returned %v", err)
	}
}
