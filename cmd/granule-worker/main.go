// Command granule-worker serves granule tasks from a Redis worker pool.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/granule/catalog"
	"github.com/zero-day-ai/granule/config"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/worker"
	"github.com/zero-day-ai/granule/workerctx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		redisURL    string
		pool        string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:           "granule-worker",
		Short:         "Serve granule tasks from a Redis worker pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}

			cfg := &config.Config{}
			if configPath != "" {
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := task.NewRegistry()
			catalog.RegisterHandlers(reg)

			return worker.Run(ctx, reg, worker.Options{
				RedisURL:      redisURL,
				Pool:          pool,
				Concurrency:   concurrency,
				Config:        cfg,
				WorkerContext: workerctx.OptionsFromConfig(cfg.Storage, logger),
				Logger:        logger,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to granule.yaml or its directory")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&redisURL, "redis-url", "", "Redis URL (overrides distributed.redis_url)")
	flags.StringVar(&pool, "pool", "", "worker pool name (overrides distributed.pool)")
	flags.IntVar(&concurrency, "concurrency", 0, "worker goroutines (overrides worker.concurrency)")
	return cmd
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})), nil
}
