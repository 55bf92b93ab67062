package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"post_scheduler/internal/config"
)

var (
	envFile string
	cfg     *config.Config
	log     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "publisher",
	Short:         "Publishes scheduled posts and answers replies on connected accounts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log = newLogger(cfg.LogLevel)

		if cfg.SentryDSN != "" {
			if err := sentry.Init(sentry.ClientOptions{
				Dsn:         cfg.SentryDSN,
				Environment: cfg.AppEnv,
				Release:     cfg.Version,
			}); err != nil {
				return fmt.Errorf("init sentry: %w", err)
			}
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single cycle and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		rep, err := a.job.RunOnce(ctx, time.Now())
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d post(s), %d rule(s), %d marker(s) swept\n",
			rep.RunID, len(rep.Posts), len(rep.Rules), rep.Swept)
		return err
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run cycles on RUN_INTERVAL until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				sentry.Flush(2 * time.Second)
				panic(r)
			}
		}()

		a, err := newApp(cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		log.Info("starting publisher", "interval", cfg.RunInterval, "driver", cfg.DatabaseDriver, "version", cfg.Version)
		a.job.Run(ctx)
		log.Info("publisher stopped")
		return nil
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota <account-id>",
	Short: "Show an account's rolling publishing quota",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q: %w", args[0], err)
		}

		a, err := newApp(cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		acc, err := a.store.GetAccount(cmd.Context(), id)
		if err != nil {
			return err
		}
		q, err := a.client.PublishingQuota(cmd.Context(), *acc)
		if err != nil {
			return fmt.Errorf("get publishing quota: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "@%s: %d of %d posts used in the last 24h\n", acc.Username, q.Usage, q.Total)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file first")
	rootCmd.AddCommand(runCmd, serveCmd, quotaCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	sentry.Flush(2 * time.Second)
	if err != nil {
		if log != nil {
			log.Error("publisher", "error", err)
		} else {
			slog.Error("publisher", "error", err)
		}
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
