package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/sypherin/chatgpt-drive-logger/internal/channel"
	"github.com/sypherin/chatgpt-drive-logger/internal/config"
	"github.com/sypherin/chatgpt-drive-logger/internal/httpapi"
	"github.com/sypherin/chatgpt-drive-logger/internal/observability"
	"github.com/sypherin/chatgpt-drive-logger/internal/scheduler"
	"github.com/sypherin/chatgpt-drive-logger/internal/watch"
)

// Signals stand in for in-page events: SIGUSR1 is the manual save hotkey,
// SIGUSR2 a send action, SIGHUP a navigation.
func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal("dotenv error", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config error", "error", err)
	}
	logger := observability.NewLogger(nil, cfg.LogLevel, "observer")
	if cfg.PageFile == "" {
		logger.Fatal("OBSERVER_PAGE_FILE is required")
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := channel.NewClient(channel.ClientOptions{
		URL:            cfg.ChannelURL,
		MaxAttempts:    cfg.MaxAttempts,
		ReconnectDelay: cfg.ReconnectDelay,
		PingInterval:   cfg.PingInterval,
		Logger:         logger,
		Metrics:        metrics,
	})
	defer client.Close()

	sched, err := scheduler.New(scheduler.Options{
		Source:       watch.FileSource{Path: cfg.PageFile},
		Caller:       client,
		PageURL:      cfg.PageURL,
		RedactPII:    cfg.RedactPII,
		PollInterval: cfg.PollInterval,
		Debounce:     cfg.Debounce,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		logger.Fatal("scheduler init failed", "error", err)
	}
	watcher, err := watch.NewWatcher(cfg.PageFile, logger)
	if err != nil {
		logger.Fatal("page watcher init failed", "path", cfg.PageFile, "error", err)
	}

	nudges := make(chan os.Signal, 4)
	signal.Notify(nudges, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(nudges)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: httpapi.ObserverRouter(metrics.Handler()),
	}

	logger.Info("observer started", "page", cfg.PageFile, "channel", cfg.ChannelURL, "metrics", cfg.MetricsAddr)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx, func() { sched.Trigger(scheduler.ReasonMutation) }) })
	g.Go(func() error {
		client.Run(gctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-nudges:
				switch sig {
				case syscall.SIGUSR1:
					sched.Trigger(scheduler.ReasonManual)
				case syscall.SIGUSR2:
					sched.Trigger(scheduler.ReasonUserAction)
				case syscall.SIGHUP:
					sched.Trigger(scheduler.ReasonRouteChange)
				}
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("observer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
