package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"spotwatch/internal/api"
	"spotwatch/internal/config"
	"spotwatch/internal/confirm"
	"spotwatch/internal/metrics"
	"spotwatch/internal/notify"
	"spotwatch/internal/realtime"
	"spotwatch/internal/session"
	"spotwatch/internal/storage"
	"spotwatch/internal/webhook"
	"spotwatch/internal/worker"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		logrus.Fatalf("configure logging: %v", err)
	}
	log := logrus.NewEntry(logger)

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	if err := store.InitSchema(context.Background()); err != nil {
		log.Fatalf("init schema: %v", err)
	}

	collector := metrics.NewCollector("spotwatch")
	broker := confirm.NewBroker(log.WithField("component", "confirm"))

	hub := realtime.NewHub(nil, broker, log.WithField("component", "realtime"))
	sessions := session.NewManager(session.Config{
		Policy:      cfg.Policy(),
		Confirmer:   &confirm.Protocol{Broker: broker, Channel: hub},
		Sink:        notify.Outbox{Store: store},
		Journal:     store,
		Observer:    collector,
		Log:         log.WithField("component", "detector"),
		SampleRate:  cfg.SampleLimit(),
		SampleBurst: cfg.SampleBurst,
		DeriveSpeed: cfg.DeriveMissingSpeed,
		IdleTimeout: cfg.SessionIdleTimeout(),
	})
	hub.Sessions = sessions

	var deliver notify.Sink = notify.LogSink{Log: log.WithField("component", "notify")}
	if cfg.NotifyWebhookURL != "" {
		deliver = &notify.WebhookSink{URL: cfg.NotifyWebhookURL, Secret: cfg.NotifyWebhookSecret}
	}
	outboxWorker := &worker.Worker{
		Store:    store,
		Sink:     deliver,
		Observer: collector,
		Log:      log.WithField("component", "worker"),
	}

	router := api.NewRouter(api.Deps{
		Sessions: sessions,
		Prompts:  store,
		Sockets:  hub,
		Uplink: &webhook.Handler{
			Sessions:      sessions,
			Answers:       broker,
			SigningSecret: cfg.WebhookSigningSecret,
			Log:           log.WithField("component", "uplink"),
		},
		Metrics: collector.Handler(),
		Log:     log.WithField("component", "http"),
	})

	// WriteTimeout stays unset: WebSocket connections are long-lived.
	server := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("addr", cfg.ServerAddr).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server error")
			stop()
		}
	}()

	go outboxWorker.Run(ctx, cfg.WorkerPollInterval())
	go sessions.RunReaper(ctx, time.Minute)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	hub.Close()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("sessions did not stop in time")
	}
}
