package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/sypherin/chatgpt-drive-logger/internal/auth"
	"github.com/sypherin/chatgpt-drive-logger/internal/channel"
	"github.com/sypherin/chatgpt-drive-logger/internal/config"
	"github.com/sypherin/chatgpt-drive-logger/internal/host"
	"github.com/sypherin/chatgpt-drive-logger/internal/httpapi"
	"github.com/sypherin/chatgpt-drive-logger/internal/kvstore"
	"github.com/sypherin/chatgpt-drive-logger/internal/observability"
	"github.com/sypherin/chatgpt-drive-logger/internal/remote"
	"github.com/sypherin/chatgpt-drive-logger/internal/state"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal("dotenv error", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config error", "error", err)
	}
	logger := observability.NewLogger(nil, cfg.LogLevel, "host")
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	store, err := kvstore.Open(runCtx, cfg.StateDSN)
	if err != nil {
		logger.Fatal("state store init failed", "dsn", cfg.StateDSN, "error", err)
	}
	defer store.Close()
	credentials := state.NewCredentials(store)
	bindings := state.NewBindings(store)

	launch := auth.LogLauncher(logger)
	if cfg.BrowserCommand != "" {
		launch = auth.CommandLauncher(cfg.BrowserCommand)
	}
	prompter := auth.NewLoopbackPrompter(auth.LoopbackOptions{
		RedirectURL: cfg.RedirectURL(),
		Timeout:     cfg.AuthTimeout,
		Launch:      launch,
		Logger:      logger,
	})

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	tokens := auth.NewManager(auth.Options{
		Credentials: credentials,
		Prompter:    prompter,
		AuthURL:     cfg.AuthURL,
		TokenURL:    cfg.TokenURL,
		RedirectURL: cfg.RedirectURL(),
		HTTPClient:  httpClient,
		Logger:      logger,
		Metrics:     metrics,
	})
	uploader := remote.NewClient(remote.Options{
		Endpoint:   cfg.DriveEndpoint,
		FolderName: cfg.FolderName,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	dispatcher := host.NewDispatcher(host.Options{
		Tokens:         tokens,
		Remote:         uploader,
		Credentials:    credentials,
		Bindings:       bindings,
		StrictClientID: cfg.StrictClientID,
		Logger:         logger,
		Metrics:        metrics,
	})
	channelServer := channel.NewServer(dispatcher, channel.ServerOptions{
		BaseContext: runCtx,
		Logger:      logger,
		Metrics:     metrics,
	})

	api := httpapi.New(cfg, channelServer, prompter, credentials, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "channel", cfg.ChannelURL, "redirect", cfg.RedirectURL())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
