package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ternhq/tern/internal/aggregate"
	"github.com/ternhq/tern/internal/alert"
	"github.com/ternhq/tern/internal/api"
	"github.com/ternhq/tern/internal/config"
	"github.com/ternhq/tern/internal/sched"
	"github.com/ternhq/tern/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/tern/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("tern stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	notifier := alert.NewNotifier(&cfg.Notify)
	defer notifier.Stop()

	agg := aggregate.New(st)
	eval := alert.NewEvaluator(st, notifier)
	scheduler := sched.New(cfg, st, agg, eval)

	server := api.NewServer(cfg.HTTP.Listen, st)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})

	slog.Info("tern started", "listen", cfg.HTTP.Listen)
	return g.Wait()
}
