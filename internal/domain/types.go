package domain

import (
	"errors"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignError     CampaignStatus = "error"
)

type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetSent      TargetStatus = "sent"
	TargetResponded TargetStatus = "responded"
	TargetConnected TargetStatus = "connected"
	TargetFailed    TargetStatus = "failed"
)

// Terminal reports whether the dispatcher is done with a target. Everything
// except "pending" is terminal from the dispatch loop's point of view;
// "responded"/"connected" are reached only via inbound events.
func (s TargetStatus) Terminal() bool {
	return s != TargetPending
}

type Campaign struct {
	ID              string
	UserID          string
	ProjectID       string
	Name            string
	MessageTemplate string
	AccountID       string
	Status          CampaignStatus

	TotalTargets  int
	SentCount     int
	ReplyCount    int
	AcceptedCount int
	ErrorCount    int

	DailyLimit       int
	SendDelaySeconds int

	CreatedAt       time.Time
	LaunchedAt      *time.Time
	LastProcessedAt *time.Time
	CompletedAt     *time.Time
}

type Target struct {
	ID         string
	CampaignID string
	ContactID  string
	ProviderID string

	PersonalizedMessage   string
	MessageCharacterCount int

	Status        TargetStatus
	RetryCount    int
	MaxRetries    int
	FailureReason string

	InvitationSent bool
	MessageSent    bool

	CreatedAt   time.Time
	SentAt      *time.Time
	FailedAt    *time.Time
	LastRetryAt *time.Time
}

// Contact is the feeder record a target points at. Contact selection and
// relevance scoring happen upstream; contacts are read-only here.
type Contact struct {
	ID         string
	FullName   string
	Headline   string
	Company    string
	ProviderID string
}

type Project struct {
	ID     string
	UserID string
	Name   string
	Pitch  string
}

type CreateCampaignRequest struct {
	UserID          string   `json:"userId"`
	ProjectID       string   `json:"projectId"`
	Name            string   `json:"name"`
	MessageTemplate string   `json:"messageTemplate"`
	AccountID       string   `json:"accountId"`
	ContactIDs      []string `json:"contactIds,omitempty"`
}

func (r CreateCampaignRequest) Validate() error {
	if r.UserID == "" || r.ProjectID == "" || r.Name == "" || r.MessageTemplate == "" || r.AccountID == "" {
		return ErrMissingFields
	}
	return nil
}

// Analytics aggregates persisted outcome state for a campaign. Sentiment is
// produced by an external classifier and only tallied here.
type Analytics struct {
	CampaignID          string         `json:"campaignId"`
	Status              CampaignStatus `json:"status"`
	TargetsByStatus     map[string]int `json:"targetsByStatus"`
	ResponseRate        float64        `json:"responseRate"`
	SentimentSummary    map[string]int `json:"sentimentSummary"`
	TotalResponses      int            `json:"totalResponses"`
	EstimatedCompletion *time.Time     `json:"estimatedCompletion,omitempty"`
}

var (
	ErrMissingFields    = errors.New("missing required fields")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrTargetNotFound   = errors.New("target not found")
	ErrContactNotFound  = errors.New("contact not found")
	ErrNoTargets        = errors.New("campaign has no pending targets")
	ErrNotDraft         = errors.New("campaign is not in draft")
	ErrNotPending       = errors.New("target is not pending")
)
