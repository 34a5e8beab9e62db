package store

import "time"

type TargetSentUpdate struct {
	ID         string
	Invitation bool // true: connection request went out; false: direct message
	Now        time.Time
}

type TargetRetryUpdate struct {
	ID         string
	RetryCount int
	Reason     string
	Now        time.Time
}

type TargetFailedUpdate struct {
	ID         string
	RetryCount int
	Reason     string
	Now        time.Time
}

type TargetResponse struct {
	ID         string
	TargetID   string
	CampaignID string
	Text       string
	Sentiment  string
	Now        time.Time
}

type LeaseRequest struct {
	CampaignID string
	Holder     string
	Now        time.Time
	TTL        time.Duration
}
