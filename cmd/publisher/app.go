package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/ratelimit"

	"post_scheduler/internal/autoreply"
	"post_scheduler/internal/config"
	"post_scheduler/internal/job"
	"post_scheduler/internal/notify"
	"post_scheduler/internal/platform"
	"post_scheduler/internal/publisher"
	"post_scheduler/internal/recurrence"
	"post_scheduler/internal/retention"
	"post_scheduler/internal/storage"
)

type app struct {
	store  *storage.DB
	client *platform.GraphClient
	job    *job.Job
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	if cfg.DatabaseDriver == config.DriverSQLite && cfg.DatabaseDSN != ":memory:" {
		if dir := filepath.Dir(cfg.DatabaseDSN); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
	}

	store, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	client := platform.NewGraphClient(http.DefaultClient, cfg.PlatformAPIURL, ratelimit.New(cfg.PlatformRateLimit))
	client.SetTimeout(cfg.PlatformTimeout)

	loc := cfg.Location()

	dispatcher := publisher.New(store, client, recurrence.New(loc), log.With("component", "dispatcher"))
	dispatcher.SetPollInterval(cfg.PollInterval)

	engine := autoreply.New(store, client, loc, log.With("component", "autoreply"))
	engine.SetRecentPostsLimit(cfg.RecentPostsLimit)

	sweeper := retention.New(store, cfg.ReplyRetention, log.With("component", "retention"))

	j := job.New(dispatcher, engine, sweeper, log)
	j.SetTickInterval(cfg.RunInterval)
	j.SetStaleReclaim(store, cfg.StaleClaimAfter)

	var notifiers notify.Multi
	if cfg.TelegramAlertsEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramAlertChatID)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		notifiers = append(notifiers, tg)
	}
	if cfg.SentryDSN != "" {
		notifiers = append(notifiers, notify.NewSentry(nil))
	}
	j.SetNotifier(notifiers)

	return &app{store: store, client: client, job: j}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
