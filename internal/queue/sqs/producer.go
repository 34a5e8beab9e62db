package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// CampaignJob asks a worker to run one dispatch batch for a campaign.
type CampaignJob struct {
	CampaignID string `json:"campaignId"`
}

// InboundEvent is a gateway webhook event: a reply to an outreach message or
// an accepted invitation. Sentiment is attached upstream by the classifier.
type InboundEvent struct {
	Type       string    `json:"type"` // "reply" | "invitation_accepted"
	AccountID  string    `json:"accountId"`
	ProviderID string    `json:"providerId"`
	Text       string    `json:"text,omitempty"`
	Sentiment  string    `json:"sentiment,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

const (
	EventReply              = "reply"
	EventInvitationAccepted = "invitation_accepted"
)

type JobProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

// EnqueueProcessJob queues one dispatch run. FIFO grouping per campaign
// keeps runs for the same campaign ordered; the dedup id collapses duplicate
// triggers landing within the same minute.
func (p *JobProducer) EnqueueProcessJob(ctx context.Context, campaignID string) error {
	body, err := json.Marshal(CampaignJob{CampaignID: campaignID})
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(campaignID),
		MessageDeduplicationId: str(jobDedupID(campaignID, time.Now())),
	})
	return err
}

// jobDedupID buckets triggers per minute so repeated launch or scheduler
// calls within the same minute collapse into one job.
func jobDedupID(campaignID string, now time.Time) string {
	return fmt.Sprintf("%s:%d", campaignID, now.Unix()/60)
}

type EventProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *EventProducer) EnqueueEvent(ctx context.Context, ev InboundEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(eventGroupID(ev)),
		MessageDeduplicationId: str(eventDedupID(ev)),
	})
	return err
}

// eventGroupID orders events per contact within an account.
func eventGroupID(ev InboundEvent) string {
	return fmt.Sprintf("%s:%s", ev.AccountID, ev.ProviderID)
}

func eventDedupID(ev InboundEvent) string {
	return fmt.Sprintf("%s:%s:%d", ev.Type, ev.ProviderID, ev.OccurredAt.UnixNano())
}

func str(s string) *string { return &s }
