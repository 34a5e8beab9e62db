package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"outreach/internal/domain"
	"outreach/internal/util"
)

// CreateCampaign persists a new campaign in draft. Supplied contacts are
// personalized and attached immediately.
func (d *Dispatcher) CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest) (domain.Campaign, error) {
	if err := req.Validate(); err != nil {
		return domain.Campaign{}, err
	}

	c := domain.Campaign{
		ID:               util.NewCampaignID(),
		UserID:           req.UserID,
		ProjectID:        req.ProjectID,
		Name:             req.Name,
		MessageTemplate:  req.MessageTemplate,
		AccountID:        req.AccountID,
		Status:           domain.CampaignDraft,
		DailyLimit:       defaultDailyLimit,
		SendDelaySeconds: int(defaultSendDelay / time.Second),
		CreatedAt:        d.now(),
	}
	if err := d.Store.InsertCampaign(ctx, c); err != nil {
		return domain.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}

	if len(req.ContactIDs) > 0 {
		n, err := d.AddTargets(ctx, c.ID, req.ContactIDs)
		if err != nil {
			return domain.Campaign{}, err
		}
		c.TotalTargets = n
	}
	return c, nil
}

// AddTargets personalizes a message per contact and batch-inserts the
// resulting pending targets. A contact whose personalization fails is
// skipped; the rest still land.
func (d *Dispatcher) AddTargets(ctx context.Context, campaignID string, contactIDs []string) (int, error) {
	campaign, found, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("load campaign: %w", err)
	}
	if !found {
		return 0, domain.ErrCampaignNotFound
	}

	project, _, err := d.Store.GetProject(ctx, campaign.ProjectID, campaign.UserID)
	if err != nil {
		return 0, fmt.Errorf("load project: %w", err)
	}

	contacts, err := d.Store.GetContactsByIDs(ctx, contactIDs)
	if err != nil {
		return 0, fmt.Errorf("load contacts: %w", err)
	}

	now := d.now()
	targets := make([]domain.Target, 0, len(contacts))
	for _, contact := range contacts {
		message, err := d.Composer.Personalize(ctx, campaign.MessageTemplate, contact, project)
		if err != nil {
			slog.Error("personalization failed, skipping contact",
				"campaign_id", campaignID, "contact_id", contact.ID, "err", err)
			continue
		}
		targets = append(targets, domain.Target{
			ID:                    util.NewTargetID(),
			CampaignID:            campaignID,
			ContactID:             contact.ID,
			ProviderID:            contact.ProviderID,
			PersonalizedMessage:   message,
			MessageCharacterCount: utf8.RuneCountInString(message),
			Status:                domain.TargetPending,
			MaxRetries:            defaultMaxRetries,
			CreatedAt:             now,
		})
	}

	if len(targets) == 0 {
		return 0, nil
	}
	if err := d.Store.InsertTargets(ctx, targets); err != nil {
		return 0, fmt.Errorf("insert targets: %w", err)
	}
	if err := d.Store.AddTotalTargets(ctx, campaignID, len(targets)); err != nil {
		return 0, fmt.Errorf("update total targets: %w", err)
	}

	slog.Info("targets added", "campaign_id", campaignID, "count", len(targets))
	return len(targets), nil
}

// LaunchCampaign transitions draft to active. A campaign with nothing
// pending cannot launch.
func (d *Dispatcher) LaunchCampaign(ctx context.Context, campaignID string) error {
	_, found, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if !found {
		return domain.ErrCampaignNotFound
	}

	pending, err := d.Store.CountPendingTargets(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("count pending targets: %w", err)
	}
	if pending == 0 {
		return domain.ErrNoTargets
	}

	ok, err := d.Store.MarkCampaignLaunched(ctx, campaignID, d.now())
	if err != nil {
		return fmt.Errorf("launch campaign: %w", err)
	}
	if !ok {
		return domain.ErrNotDraft
	}

	slog.Info("campaign launched", "campaign_id", campaignID, "pending_targets", pending)
	return nil
}

// PauseCampaign and ResumeCampaign are the external status mutations the
// dispatch loop observes cooperatively at target boundaries.
func (d *Dispatcher) PauseCampaign(ctx context.Context, campaignID string) error {
	return d.transition(ctx, campaignID, domain.CampaignActive, domain.CampaignPaused)
}

func (d *Dispatcher) ResumeCampaign(ctx context.Context, campaignID string) error {
	return d.transition(ctx, campaignID, domain.CampaignPaused, domain.CampaignActive)
}

func (d *Dispatcher) transition(ctx context.Context, campaignID string, from, to domain.CampaignStatus) error {
	campaign, found, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if !found {
		return domain.ErrCampaignNotFound
	}
	if campaign.Status != from {
		return fmt.Errorf("campaign is %s, expected %s", campaign.Status, from)
	}
	if _, err := d.Store.SetCampaignStatus(ctx, campaignID, to, d.now()); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	slog.Info("campaign status changed", "campaign_id", campaignID, "from", from, "to", to)
	return nil
}

type TestSendResult struct {
	TargetID string `json:"targetId"`
	Action   string `json:"action"`
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"personalizedMessage"`
}

// SendTestMessage exercises the single-target send path outside the batch
// loop. It still consults the rate limiter and the connection lookup.
func (d *Dispatcher) SendTestMessage(ctx context.Context, campaignID, targetID string) (TestSendResult, error) {
	campaign, found, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return TestSendResult{}, fmt.Errorf("load campaign: %w", err)
	}
	if !found {
		return TestSendResult{}, domain.ErrCampaignNotFound
	}

	target, found, err := d.Store.GetTarget(ctx, targetID)
	if err != nil {
		return TestSendResult{}, fmt.Errorf("load target: %w", err)
	}
	if !found || target.CampaignID != campaignID {
		return TestSendResult{}, domain.ErrTargetNotFound
	}
	if d.Gateway == nil {
		return TestSendResult{}, errors.New("no outreach gateway configured")
	}

	result := TestSendResult{TargetID: targetID, Message: target.PersonalizedMessage}

	if !d.Limiter.CanSendInvitation(ctx, campaign.AccountID) {
		result.Reason = "rate limit reached"
		return result, nil
	}

	relations, err := d.Gateway.ListRelations(ctx, campaign.AccountID, d.relationsLimit())
	if err != nil {
		return TestSendResult{}, fmt.Errorf("list relations: %w", err)
	}
	isConnection := false
	for _, rel := range relations {
		if rel.ProviderID == target.ProviderID {
			isConnection = true
			break
		}
	}

	if isConnection {
		result.Action = "message"
		_, err = d.Gateway.SendChatMessage(ctx, campaign.AccountID, target.ProviderID, target.PersonalizedMessage)
	} else {
		result.Action = "invitation"
		_, err = d.Gateway.SendInvitation(ctx, campaign.AccountID, target.ProviderID, target.PersonalizedMessage)
	}
	if err != nil {
		result.Reason = err.Error()
		return result, nil
	}

	result.Success = true
	if err := d.Limiter.RecordInvitationSent(ctx, campaign.AccountID); err != nil {
		slog.Error("usage recording failed after test send",
			"campaign_id", campaignID, "account_id", campaign.AccountID, "err", err)
	}
	return result, nil
}

// PreviewMessage personalizes the campaign template for one contact without
// persisting anything.
func (d *Dispatcher) PreviewMessage(ctx context.Context, campaignID, contactID string) (string, error) {
	campaign, found, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return "", fmt.Errorf("load campaign: %w", err)
	}
	if !found {
		return "", domain.ErrCampaignNotFound
	}

	contact, found, err := d.Store.GetContact(ctx, contactID)
	if err != nil {
		return "", fmt.Errorf("load contact: %w", err)
	}
	if !found {
		return "", domain.ErrContactNotFound
	}

	project, _, err := d.Store.GetProject(ctx, campaign.ProjectID, campaign.UserID)
	if err != nil {
		return "", fmt.Errorf("load project: %w", err)
	}

	return d.Composer.Personalize(ctx, campaign.MessageTemplate, contact, project)
}

// RemoveTarget deletes a still-pending target from a campaign.
func (d *Dispatcher) RemoveTarget(ctx context.Context, campaignID, targetID string) error {
	target, found, err := d.Store.GetTarget(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}
	if !found || target.CampaignID != campaignID {
		return domain.ErrTargetNotFound
	}

	ok, err := d.Store.DeletePendingTarget(ctx, targetID)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if !ok {
		return domain.ErrNotPending
	}
	if err := d.Store.AddTotalTargets(ctx, campaignID, -1); err != nil {
		return fmt.Errorf("update total targets: %w", err)
	}
	return nil
}

// Analytics aggregates target status, response rate and the externally
// classified response sentiments for a campaign.
func (d *Dispatcher) Analytics(ctx context.Context, campaignID string) (domain.Analytics, error) {
	campaign, found, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return domain.Analytics{}, fmt.Errorf("load campaign: %w", err)
	}
	if !found {
		return domain.Analytics{}, domain.ErrCampaignNotFound
	}

	byStatus, err := d.Store.CountTargetsByStatus(ctx, campaignID)
	if err != nil {
		return domain.Analytics{}, fmt.Errorf("count targets: %w", err)
	}
	sentiments, total, err := d.Store.ResponseBreakdown(ctx, campaignID)
	if err != nil {
		return domain.Analytics{}, fmt.Errorf("response breakdown: %w", err)
	}

	out := domain.Analytics{
		CampaignID:       campaignID,
		Status:           campaign.Status,
		TargetsByStatus:  byStatus,
		ResponseRate:     responseRate(campaign),
		SentimentSummary: sentiments,
		TotalResponses:   total,
	}

	if pending := byStatus[string(domain.TargetPending)]; pending > 0 && campaign.Status == domain.CampaignActive {
		limit := campaign.DailyLimit
		if limit <= 0 {
			limit = defaultDailyLimit
		}
		days := int(math.Ceil(float64(pending) / float64(limit)))
		eta := d.now().AddDate(0, 0, days)
		out.EstimatedCompletion = &eta
	}
	return out, nil
}

func responseRate(c domain.Campaign) float64 {
	if c.SentCount == 0 {
		return 0
	}
	return math.Round(float64(c.ReplyCount)/float64(c.SentCount)*100*100) / 100
}

// ListCampaigns and ListTargets are thin read passthroughs for the API.
func (d *Dispatcher) ListCampaigns(ctx context.Context, userID string) ([]domain.Campaign, error) {
	return d.Store.ListCampaignsByUser(ctx, userID)
}

func (d *Dispatcher) ListTargets(ctx context.Context, campaignID string) ([]domain.Target, error) {
	return d.Store.ListTargets(ctx, campaignID)
}
