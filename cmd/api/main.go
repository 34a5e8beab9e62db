package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"outreach/internal/awsutil"
	"outreach/internal/composer"
	"outreach/internal/config"
	"outreach/internal/dispatch"
	"outreach/internal/gateway"
	"outreach/internal/httpapi"
	"outreach/internal/logging"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/ratelimit"
	"outreach/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions(cfg.DBPool))
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	jobs := &sqsqueue.JobProducer{SQS: sqsClient, QueueURL: cfg.JobQueueURL}
	limiter := &ratelimit.Limiter{Store: store}

	// The API never sends, but test-message and live limit reports go
	// through the same gateway client the worker uses.
	var gw dispatch.Gateway
	if cfg.GatewayBaseURL != "" {
		gw = &gateway.Client{
			BaseURL: cfg.GatewayBaseURL,
			APIKey:  cfg.GatewayAPIKey,
			HTTP:    &http.Client{Timeout: 15 * time.Second},
		}
	}

	var comp composer.Composer = composer.Renderer{}
	if cfg.ComposerBaseURL != "" {
		comp = &composer.Client{
			BaseURL: cfg.ComposerBaseURL,
			HTTP:    &http.Client{Timeout: 10 * time.Second},
		}
	}

	dispatcher := &dispatch.Dispatcher{
		Store:    store,
		Gateway:  gw,
		Composer: comp,
		Limiter:  limiter,
	}

	s := httpapi.New()
	api := &httpapi.API{
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Jobs:       jobs,
	}
	api.Register(s.Router)

	s.Router.HandleFunc("/healthz", httpapi.Healthz())
	s.Router.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	handler := httpapi.Logging(s.Router)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
