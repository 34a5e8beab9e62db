package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"

	"outreach/internal/awsutil"
	"outreach/internal/config"
	"outreach/internal/httpapi"
	"outreach/internal/logging"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store"
	"outreach/internal/store/pg"
	"outreach/internal/util"
)

func main() {
	cfg := config.LoadProcessor()
	logging.Init("webhook-processor", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions(cfg.DBPool))
	if err != nil {
		slog.Error("webhook-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	dbStore := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("webhook-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.EventQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health server (liveness + readiness)
	healthMux := httpapi.New().Router
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.EventQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(healthMux),
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor starting poll", "queue_url", cfg.EventQueueURL)
		pollErrCh <- consumer.Poll(ctx, func(ctx context.Context, body []byte) error {
			var ev sqsqueue.InboundEvent
			if err := json.Unmarshal(body, &ev); err != nil {
				slog.Error("webhook-processor event malformed", "err", err)
				return sqsqueue.ErrMalformed
			}
			return processEvent(ctx, dbStore, ev)
		})
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("webhook-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook-processor health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("webhook-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("webhook-processor shutdown timeout waiting for poll loop")
	}
}

// processEvent applies one inbound gateway event to campaign state. The
// target is resolved by (account, provider profile) against the most recent
// sent target; if it is not there yet, an error lets SQS retry later.
func processEvent(ctx context.Context, st *pg.Store, ev sqsqueue.InboundEvent) error {
	if ev.Type != sqsqueue.EventReply && ev.Type != sqsqueue.EventInvitationAccepted {
		observability.InboundEvents.WithLabelValues(ev.Type, "unknown_type").Inc()
		return sqsqueue.ErrMalformed
	}

	// Make DB work bounded. Errors should cause SQS redrive.
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target, found, err := st.FindSentTargetByProvider(dbCtx, ev.AccountID, ev.ProviderID)
	if err != nil {
		return err
	}
	if !found {
		observability.InboundEvents.WithLabelValues(ev.Type, "target_not_found").Inc()
		return errors.New("no sent target for provider profile")
	}

	now := util.NowUTC()
	switch ev.Type {
	case sqsqueue.EventReply:
		updated, err := st.MarkTargetResponded(dbCtx, target.ID, now)
		if err != nil {
			return err
		}
		if updated {
			if err := st.IncrementReplyCount(dbCtx, target.CampaignID); err != nil {
				return err
			}
		}
		if err := st.InsertTargetResponse(dbCtx, store.TargetResponse{
			ID:         util.NewResponseID(),
			TargetID:   target.ID,
			CampaignID: target.CampaignID,
			Text:       ev.Text,
			Sentiment:  ev.Sentiment,
			Now:        now,
		}); err != nil {
			return err
		}

	case sqsqueue.EventInvitationAccepted:
		updated, err := st.MarkTargetConnected(dbCtx, target.ID, now)
		if err != nil {
			return err
		}
		if updated {
			if err := st.IncrementAcceptedCount(dbCtx, target.CampaignID); err != nil {
				return err
			}
		}
	}

	observability.InboundEvents.WithLabelValues(ev.Type, "applied").Inc()
	return nil
}
