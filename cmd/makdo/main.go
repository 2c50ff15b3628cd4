package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/makdo-io/makdo/internal/analyzer"
	"github.com/makdo-io/makdo/internal/config"
	"github.com/makdo-io/makdo/internal/coordinator"
	"github.com/makdo-io/makdo/internal/fixer"
	"github.com/makdo-io/makdo/internal/history"
	"github.com/makdo-io/makdo/internal/notify"
	"github.com/makdo-io/makdo/internal/probe"
	"github.com/makdo-io/makdo/internal/server"
	"github.com/makdo-io/makdo/internal/session"
	"github.com/makdo-io/makdo/pkg/k8sai"
	"github.com/makdo-io/makdo/pkg/slack"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	inventoryPath := config.GetEnv("MAKDO_CONFIG", "config/makdo.yaml")
	cfg, err := config.Load(inventoryPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	log.WithField("clusters", len(cfg.Clusters)).Info("Starting MAKDO orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := config.NewWatcher(inventoryPath, log)
	if err != nil {
		log.WithError(err).Warn("Inventory change watcher unavailable")
	} else {
		go watcher.Run(ctx)
	}

	sessionClient := k8sai.NewClient(k8sai.Config{
		BaseURL: cfg.SessionBaseURL,
		APIKey:  cfg.SessionAPIKey,
	}, log)
	go func() {
		checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
		defer checkCancel()
		if err := sessionClient.HealthCheck(checkCtx); err != nil {
			log.WithError(err).Warn("Session backend health check failed, will retry on first probe")
		} else {
			log.Info("Session backend connection verified")
		}
	}()

	registry := session.NewRegistry(cfg, &session.K8sAISource{Client: sessionClient}, log)
	clients := probe.NewClientFactory()

	slackClient := slack.NewClient(slack.Config{BotToken: cfg.SlackToken}, log)
	notifier := notify.New(slackClient, cfg.SlackChannel, cfg.NotifyRetries, cfg.NotifyBackoff, log)
	go notifier.Run(ctx)

	hist, err := history.NewStore(cfg.HistoryDBPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to open remediation history store")
	}

	prober := probe.New(cfg, registry, clients, log)
	fix := fixer.New(cfg, registry, fixer.ClientFactory(clients), log, fixer.Options{})
	coord := coordinator.New(cfg, prober, analyzer.New(), fix, notifier, hist, log)
	coord.Start(ctx)

	notifier.PostSummary(fmt.Sprintf(
		"MAKDO orchestrator started: monitoring %d clusters, poll interval %s, approval threshold %s.",
		len(cfg.Clusters), cfg.PollInterval, cfg.ApprovalThreshold,
	))

	srv := server.New(cfg, coord, hist, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Orchestrator server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down orchestrator")
	cancel()

	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer graceCancel()
	if err := coord.Drain(graceCtx); err != nil {
		log.WithError(err).Warn("Exiting with remediations still executing")
	}
	_ = srv.Shutdown(graceCtx)
}
