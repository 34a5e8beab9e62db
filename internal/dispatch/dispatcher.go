// Package dispatch owns campaign and target lifecycle and the throttled,
// retried execution of outreach actions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"outreach/internal/composer"
	"outreach/internal/domain"
	"outreach/internal/gateway"
	"outreach/internal/observability"
	"outreach/internal/store"
)

const (
	defaultDailyLimit     = 80
	defaultSendDelay      = 120 * time.Second
	defaultMaxRetries     = 3
	defaultRelationsLimit = 1000
	defaultLeaseTTL       = 10 * time.Minute

	// gatewayAttempts bounds the short in-call retry of transient gateway
	// errors before a failure burns one of the target's retries.
	gatewayAttempts = 3
)

type Store interface {
	InsertCampaign(ctx context.Context, c domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	ListCampaignsByUser(ctx context.Context, userID string) ([]domain.Campaign, error)
	MarkCampaignLaunched(ctx context.Context, id string, now time.Time) (bool, error)
	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, now time.Time) (bool, error)
	MarkCampaignCompleted(ctx context.Context, id string, now time.Time) error
	TouchCampaignProcessed(ctx context.Context, id string, now time.Time) error
	IncrementSentCount(ctx context.Context, id string) error
	IncrementErrorCount(ctx context.Context, id string) error
	AddTotalTargets(ctx context.Context, id string, n int) error

	InsertTargets(ctx context.Context, targets []domain.Target) error
	GetTarget(ctx context.Context, id string) (domain.Target, bool, error)
	GetPendingTargets(ctx context.Context, campaignID string, limit int) ([]domain.Target, error)
	CountPendingTargets(ctx context.Context, campaignID string) (int, error)
	ListTargets(ctx context.Context, campaignID string) ([]domain.Target, error)
	DeletePendingTarget(ctx context.Context, id string) (bool, error)
	MarkTargetSent(ctx context.Context, in store.TargetSentUpdate) error
	MarkTargetRetry(ctx context.Context, in store.TargetRetryUpdate) error
	MarkTargetFailed(ctx context.Context, in store.TargetFailedUpdate) error
	CountTargetsByStatus(ctx context.Context, campaignID string) (map[string]int, error)
	ResponseBreakdown(ctx context.Context, campaignID string) (map[string]int, int, error)

	GetContact(ctx context.Context, id string) (domain.Contact, bool, error)
	GetContactsByIDs(ctx context.Context, ids []string) ([]domain.Contact, error)
	GetProject(ctx context.Context, id, userID string) (domain.Project, bool, error)

	AcquireLease(ctx context.Context, in store.LeaseRequest) (bool, error)
	RenewLease(ctx context.Context, in store.LeaseRequest) (bool, error)
	ReleaseLease(ctx context.Context, campaignID, holder string) error
}

type Gateway interface {
	ListRelations(ctx context.Context, accountID string, limit int) ([]gateway.Relation, error)
	SendInvitation(ctx context.Context, accountID, providerID, message string) (gateway.SendResult, error)
	SendChatMessage(ctx context.Context, accountID, providerID, text string) (gateway.SendResult, error)
}

type Limiter interface {
	CanSendInvitation(ctx context.Context, accountID string) bool
	RecordInvitationSent(ctx context.Context, accountID string) error
}

// Dispatcher orchestrates campaign runs. One run per campaign id at a time:
// within the process via the registry, across instances via the storage
// lease. Everything it does surfaces only as persisted campaign/target
// state; callers observe outcomes by re-reading.
type Dispatcher struct {
	Store    Store
	Gateway  Gateway
	Composer composer.Composer
	Limiter  Limiter

	// Breaker guards gateway send calls; nil disables it. An open breaker
	// halts the batch without burning target retries.
	Breaker *gobreaker.CircuitBreaker

	Delay Delay

	// Holder identifies this instance in processing leases.
	Holder   string
	LeaseTTL time.Duration

	RelationsLimit int

	// Now and Sleep are injectable for deterministic tests; nil means the
	// real clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	active map[string]struct{}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) leaseTTL() time.Duration {
	if d.LeaseTTL > 0 {
		return d.LeaseTTL
	}
	return defaultLeaseTTL
}

func (d *Dispatcher) relationsLimit() int {
	if d.RelationsLimit > 0 {
		return d.RelationsLimit
	}
	return defaultRelationsLimit
}

// tryAcquire inserts the campaign id into the in-process single-flight
// registry; false means another run holds it.
func (d *Dispatcher) tryAcquire(campaignID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		d.active = make(map[string]struct{})
	}
	if _, busy := d.active[campaignID]; busy {
		return false
	}
	d.active[campaignID] = struct{}{}
	return true
}

func (d *Dispatcher) release(campaignID string) {
	d.mu.Lock()
	delete(d.active, campaignID)
	d.mu.Unlock()
}

// ProcessCampaignSends runs one bounded batch of pending targets for the
// campaign. A duplicate concurrent call for the same id is a no-op. Failures
// scoped to a single target never abort the batch; anything outside that
// boundary moves the campaign to "error" and is returned.
func (d *Dispatcher) ProcessCampaignSends(ctx context.Context, campaignID string) error {
	if !d.tryAcquire(campaignID) {
		slog.Info("campaign already being processed", "campaign_id", campaignID)
		return nil
	}
	defer d.release(campaignID)

	lease := store.LeaseRequest{CampaignID: campaignID, Holder: d.Holder, Now: d.now(), TTL: d.leaseTTL()}
	held, err := d.Store.AcquireLease(ctx, lease)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !held {
		slog.Info("campaign lease held by another instance", "campaign_id", campaignID)
		return nil
	}
	defer func() {
		if err := d.Store.ReleaseLease(ctx, campaignID, d.Holder); err != nil {
			slog.Error("release lease failed", "campaign_id", campaignID, "err", err)
		}
	}()

	campaign, found, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return d.failRun(ctx, campaignID, fmt.Errorf("load campaign: %w", err))
	}
	if !found || campaign.Status != domain.CampaignActive {
		slog.Info("campaign not active, skipping run", "campaign_id", campaignID)
		return nil
	}

	// One relations listing per run; the per-target decision is a map lookup.
	relations, err := d.Gateway.ListRelations(ctx, campaign.AccountID, d.relationsLimit())
	if err != nil {
		return d.failRun(ctx, campaignID, fmt.Errorf("list relations: %w", err))
	}
	connected := make(map[string]bool, len(relations))
	for _, rel := range relations {
		connected[rel.ProviderID] = true
	}

	limit := campaign.DailyLimit
	if limit <= 0 {
		limit = defaultDailyLimit
	}
	pending, err := d.Store.GetPendingTargets(ctx, campaignID, limit)
	if err != nil {
		return d.failRun(ctx, campaignID, fmt.Errorf("load pending targets: %w", err))
	}
	if len(pending) == 0 {
		if err := d.Store.MarkCampaignCompleted(ctx, campaignID, d.now()); err != nil {
			return d.failRun(ctx, campaignID, fmt.Errorf("complete campaign: %w", err))
		}
		observability.CampaignRuns.WithLabelValues("completed").Inc()
		slog.Info("campaign completed", "campaign_id", campaignID)
		return nil
	}

	slog.Info("processing pending targets",
		"campaign_id", campaignID, "count", len(pending), "account_id", campaign.AccountID)

	baseDelay := time.Duration(campaign.SendDelaySeconds) * time.Second
	if baseDelay <= 0 {
		baseDelay = defaultSendDelay
	}

	for _, target := range pending {
		// Cooperative cancellation: an external pause or stop is observed
		// here, at the target boundary.
		current, found, err := d.Store.GetCampaign(ctx, campaignID)
		if err != nil {
			return d.failRun(ctx, campaignID, fmt.Errorf("recheck campaign: %w", err))
		}
		if !found || current.Status != domain.CampaignActive {
			slog.Info("campaign no longer active, halting batch", "campaign_id", campaignID)
			break
		}

		lease.Now = d.now()
		if ok, err := d.Store.RenewLease(ctx, lease); err != nil || !ok {
			slog.Warn("campaign lease lost, halting batch", "campaign_id", campaignID, "err", err)
			break
		}

		if !d.Limiter.CanSendInvitation(ctx, campaign.AccountID) {
			slog.Info("rate limit reached, halting batch",
				"campaign_id", campaignID, "account_id", campaign.AccountID)
			break
		}

		if halt := d.sendToTarget(ctx, campaign, target, connected); halt {
			break
		}

		// The dominant suspension point: humanized pacing between sends.
		if err := d.sleep(ctx, d.Delay.Next(baseDelay)); err != nil {
			slog.Info("run interrupted during pacing delay", "campaign_id", campaignID, "err", err)
			break
		}
	}

	if err := d.Store.TouchCampaignProcessed(ctx, campaignID, d.now()); err != nil {
		slog.Error("update last processed failed", "campaign_id", campaignID, "err", err)
	}

	remaining, err := d.Store.CountPendingTargets(ctx, campaignID)
	if err != nil {
		return d.failRun(ctx, campaignID, fmt.Errorf("count remaining targets: %w", err))
	}
	if remaining == 0 {
		if err := d.Store.MarkCampaignCompleted(ctx, campaignID, d.now()); err != nil {
			return d.failRun(ctx, campaignID, fmt.Errorf("complete campaign: %w", err))
		}
		slog.Info("campaign completed", "campaign_id", campaignID)
	} else {
		slog.Info("campaign run finished with targets remaining",
			"campaign_id", campaignID, "remaining", remaining)
	}

	observability.CampaignRuns.WithLabelValues("ok").Inc()
	return nil
}

// sendToTarget performs one outreach action. Everything that goes wrong in
// here lands on the target row, never on the run. The returned halt flag
// stops the batch (open breaker, or usage that could not be recorded).
func (d *Dispatcher) sendToTarget(ctx context.Context, campaign domain.Campaign, target domain.Target, connected map[string]bool) (halt bool) {
	action := "invitation"
	invitation := true
	if connected[target.ProviderID] {
		action = "message"
		invitation = false
	}

	// Transient failures (timeouts, throttling, provider 5xx) get a short
	// retry with backoff before the failure lands on the target row.
	var err error
	for attempt := 0; ; attempt++ {
		_, err = d.execute(ctx, func() (any, error) {
			if invitation {
				return d.Gateway.SendInvitation(ctx, campaign.AccountID, target.ProviderID, target.PersonalizedMessage)
			}
			return d.Gateway.SendChatMessage(ctx, campaign.AccountID, target.ProviderID, target.PersonalizedMessage)
		})
		if err == nil || !gateway.Transient(err) || attempt >= gatewayAttempts-1 {
			break
		}
		slog.Warn("transient gateway error, retrying send",
			"target_id", target.ID, "attempt", attempt+1, "err", err)
		if serr := d.sleep(ctx, gateway.Backoff(attempt)); serr != nil {
			break
		}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Provider protection kicked in; the target stays pending without
		// burning a retry.
		slog.Warn("gateway breaker open, halting batch", "campaign_id", campaign.ID)
		observability.TargetSends.WithLabelValues(action, "breaker_open").Inc()
		return true
	}
	if err != nil {
		observability.TargetSends.WithLabelValues(action, "error").Inc()
		d.recordTargetFailure(ctx, target, err)
		return false
	}

	if err := d.Store.MarkTargetSent(ctx, store.TargetSentUpdate{
		ID: target.ID, Invitation: invitation, Now: d.now(),
	}); err != nil {
		observability.TargetSends.WithLabelValues(action, "error").Inc()
		d.recordTargetFailure(ctx, target, fmt.Errorf("mark sent: %w", err))
		return false
	}
	if err := d.Store.IncrementSentCount(ctx, campaign.ID); err != nil {
		slog.Error("increment sent count failed", "campaign_id", campaign.ID, "err", err)
	}

	observability.TargetSends.WithLabelValues(action, "ok").Inc()
	slog.Info("outreach sent", "campaign_id", campaign.ID, "target_id", target.ID, "action", action)

	if err := d.Limiter.RecordInvitationSent(ctx, campaign.AccountID); err != nil {
		// The action happened but could not be accounted. Continuing would
		// risk exceeding real platform limits, so stop here; pending targets
		// resume on a later run once accounting works again.
		slog.Warn("usage recording failed, halting batch",
			"campaign_id", campaign.ID, "account_id", campaign.AccountID, "err", err)
		return true
	}
	return false
}

func (d *Dispatcher) execute(ctx context.Context, call func() (any, error)) (any, error) {
	if d.Breaker == nil {
		return call()
	}
	return d.Breaker.Execute(call)
}

// recordTargetFailure bumps the retry count; at max_retries the target is
// terminally failed and the campaign error counter moves.
func (d *Dispatcher) recordTargetFailure(ctx context.Context, target domain.Target, cause error) {
	retries := target.RetryCount + 1
	maxRetries := target.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	now := d.now()

	if retries >= maxRetries {
		if err := d.Store.MarkTargetFailed(ctx, store.TargetFailedUpdate{
			ID: target.ID, RetryCount: retries, Reason: cause.Error(), Now: now,
		}); err != nil {
			slog.Error("mark target failed errored", "target_id", target.ID, "err", err)
			return
		}
		if err := d.Store.IncrementErrorCount(ctx, target.CampaignID); err != nil {
			slog.Error("increment error count failed", "campaign_id", target.CampaignID, "err", err)
		}
		slog.Warn("target failed permanently",
			"target_id", target.ID, "retries", retries, "err", cause)
		return
	}

	if err := d.Store.MarkTargetRetry(ctx, store.TargetRetryUpdate{
		ID: target.ID, RetryCount: retries, Reason: cause.Error(), Now: now,
	}); err != nil {
		slog.Error("mark target retry errored", "target_id", target.ID, "err", err)
		return
	}
	slog.Warn("target send failed, will retry",
		"target_id", target.ID, "retries", retries, "max_retries", maxRetries, "err", cause)
}

// failRun is the unscoped failure path: the campaign moves to "error" and
// stays there until an operator intervenes.
func (d *Dispatcher) failRun(ctx context.Context, campaignID string, cause error) error {
	slog.Error("campaign run failed", "campaign_id", campaignID, "err", cause)
	if _, err := d.Store.SetCampaignStatus(ctx, campaignID, domain.CampaignError, d.now()); err != nil {
		slog.Error("set campaign error status failed", "campaign_id", campaignID, "err", err)
	}
	observability.CampaignRuns.WithLabelValues("error").Inc()
	return cause
}
