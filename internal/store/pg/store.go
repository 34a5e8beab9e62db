package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreach/internal/domain"
	"outreach/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const campaignCols = `
	id, user_id, project_id, name, message_template, account_id, status,
	total_targets, sent_count, reply_count, accepted_count, error_count,
	daily_limit, send_delay_seconds,
	created_at, launched_at, last_processed_at, completed_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(
		&c.ID, &c.UserID, &c.ProjectID, &c.Name, &c.MessageTemplate, &c.AccountID, &c.Status,
		&c.TotalTargets, &c.SentCount, &c.ReplyCount, &c.AcceptedCount, &c.ErrorCount,
		&c.DailyLimit, &c.SendDelaySeconds,
		&c.CreatedAt, &c.LaunchedAt, &c.LastProcessedAt, &c.CompletedAt,
	)
	return c, err
}

func (s *Store) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, user_id, project_id, name, message_template, account_id, status,
			daily_limit, send_delay_seconds, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, c.ID, c.UserID, c.ProjectID, c.Name, c.MessageTemplate, c.AccountID, c.Status,
		c.DailyLimit, c.SendDelaySeconds, c.CreatedAt)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	c, err := scanCampaign(s.DB.QueryRow(ctx, `SELECT`+campaignCols+` FROM campaigns WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

func (s *Store) ListCampaignsByUser(ctx context.Context, userID string) ([]domain.Campaign, error) {
	rows, err := s.DB.Query(ctx, `SELECT`+campaignCols+` FROM campaigns WHERE user_id=$1 ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCampaignLaunched flips draft to active. Returns false if the campaign
// was not in draft.
func (s *Store) MarkCampaignLaunched(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, launched_at=$3 WHERE id=$1 AND status=$4
	`, id, domain.CampaignActive, now, domain.CampaignDraft)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, last_processed_at=$3 WHERE id=$1
	`, id, status, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkCampaignCompleted(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, completed_at=$3 WHERE id=$1
	`, id, domain.CampaignCompleted, now)
	return err
}

func (s *Store) TouchCampaignProcessed(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE campaigns SET last_processed_at=$2 WHERE id=$1`, id, now)
	return err
}

func (s *Store) IncrementSentCount(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `UPDATE campaigns SET sent_count = sent_count + 1 WHERE id=$1`, id)
	return err
}

func (s *Store) IncrementReplyCount(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `UPDATE campaigns SET reply_count = reply_count + 1 WHERE id=$1`, id)
	return err
}

func (s *Store) IncrementAcceptedCount(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `UPDATE campaigns SET accepted_count = accepted_count + 1 WHERE id=$1`, id)
	return err
}

func (s *Store) IncrementErrorCount(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `UPDATE campaigns SET error_count = error_count + 1 WHERE id=$1`, id)
	return err
}

func (s *Store) AddTotalTargets(ctx context.Context, id string, n int) error {
	_, err := s.DB.Exec(ctx, `UPDATE campaigns SET total_targets = total_targets + $2 WHERE id=$1`, id, n)
	return err
}

const targetCols = `
	id, campaign_id, contact_id, provider_id, personalized_message, message_character_count,
	status, retry_count, max_retries, COALESCE(failure_reason,''),
	invitation_sent, message_sent,
	created_at, sent_at, failed_at, last_retry_at`

func scanTarget(row pgx.Row) (domain.Target, error) {
	var t domain.Target
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.ContactID, &t.ProviderID, &t.PersonalizedMessage, &t.MessageCharacterCount,
		&t.Status, &t.RetryCount, &t.MaxRetries, &t.FailureReason,
		&t.InvitationSent, &t.MessageSent,
		&t.CreatedAt, &t.SentAt, &t.FailedAt, &t.LastRetryAt,
	)
	return t, err
}

func (s *Store) InsertTargets(ctx context.Context, targets []domain.Target) error {
	if len(targets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range targets {
		batch.Queue(`
			INSERT INTO targets (id, campaign_id, contact_id, provider_id,
				personalized_message, message_character_count,
				status, retry_count, max_retries, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, t.ID, t.CampaignID, t.ContactID, t.ProviderID,
			t.PersonalizedMessage, t.MessageCharacterCount,
			t.Status, t.RetryCount, t.MaxRetries, t.CreatedAt)
	}
	br := s.DB.SendBatch(ctx, batch)
	defer br.Close()
	for range targets {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetTarget(ctx context.Context, id string) (domain.Target, bool, error) {
	t, err := scanTarget(s.DB.QueryRow(ctx, `SELECT`+targetCols+` FROM targets WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Target{}, false, nil
		}
		return domain.Target{}, false, err
	}
	return t, true, nil
}

// GetPendingTargets returns up to limit pending targets, oldest first
// (ULIDs sort by creation time).
func (s *Store) GetPendingTargets(ctx context.Context, campaignID string, limit int) ([]domain.Target, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT`+targetCols+` FROM targets
		WHERE campaign_id=$1 AND status=$2
		ORDER BY id ASC LIMIT $3
	`, campaignID, domain.TargetPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CountPendingTargets(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM targets WHERE campaign_id=$1 AND status=$2
	`, campaignID, domain.TargetPending).Scan(&n)
	return n, err
}

func (s *Store) ListTargets(ctx context.Context, campaignID string) ([]domain.Target, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT`+targetCols+` FROM targets WHERE campaign_id=$1 ORDER BY id ASC
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeletePendingTarget(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		DELETE FROM targets WHERE id=$1 AND status=$2
	`, id, domain.TargetPending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// MarkTargetSent only ever moves a target out of pending; a concurrent
// inbound-event update on a non-pending row is never overwritten.
func (s *Store) MarkTargetSent(ctx context.Context, in store.TargetSentUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE targets SET status=$2, sent_at=$3,
			invitation_sent = invitation_sent OR $4,
			message_sent = message_sent OR $5
		WHERE id=$1 AND status=$6
	`, in.ID, domain.TargetSent, in.Now, in.Invitation, !in.Invitation, domain.TargetPending)
	return err
}

func (s *Store) MarkTargetRetry(ctx context.Context, in store.TargetRetryUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE targets SET retry_count=$2, failure_reason=$3, last_retry_at=$4
		WHERE id=$1 AND status=$5
	`, in.ID, in.RetryCount, in.Reason, in.Now, domain.TargetPending)
	return err
}

func (s *Store) MarkTargetFailed(ctx context.Context, in store.TargetFailedUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE targets SET status=$2, retry_count=$3, failure_reason=$4, failed_at=$5
		WHERE id=$1 AND status=$6
	`, in.ID, domain.TargetFailed, in.RetryCount, in.Reason, in.Now, domain.TargetPending)
	return err
}

func (s *Store) MarkTargetResponded(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE targets SET status=$2 WHERE id=$1 AND status IN ($3, $4)
	`, id, domain.TargetResponded, domain.TargetSent, domain.TargetConnected)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkTargetConnected(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE targets SET status=$2 WHERE id=$1 AND status=$3
	`, id, domain.TargetConnected, domain.TargetSent)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// FindSentTargetByProvider resolves an inbound gateway event (account +
// provider id) to the most recent dispatched target.
func (s *Store) FindSentTargetByProvider(ctx context.Context, accountID, providerID string) (domain.Target, bool, error) {
	t, err := scanTarget(s.DB.QueryRow(ctx, `
		SELECT`+targetCols+` FROM targets t
		WHERE t.provider_id=$2
		  AND t.status IN ($3, $4, $5)
		  AND t.campaign_id IN (SELECT id FROM campaigns WHERE account_id=$1)
		ORDER BY t.id DESC LIMIT 1
	`, accountID, providerID, domain.TargetSent, domain.TargetResponded, domain.TargetConnected))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Target{}, false, nil
		}
		return domain.Target{}, false, err
	}
	return t, true, nil
}

func (s *Store) CountTargetsByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT status, COUNT(*) FROM targets WHERE campaign_id=$1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.Contact, bool, error) {
	var c domain.Contact
	err := s.DB.QueryRow(ctx, `
		SELECT id, full_name, COALESCE(headline,''), COALESCE(company,''), COALESCE(provider_id,'')
		FROM contacts WHERE id=$1
	`, id).Scan(&c.ID, &c.FullName, &c.Headline, &c.Company, &c.ProviderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Contact{}, false, nil
		}
		return domain.Contact{}, false, err
	}
	return c, true, nil
}

func (s *Store) GetContactsByIDs(ctx context.Context, ids []string) ([]domain.Contact, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, full_name, COALESCE(headline,''), COALESCE(company,''), COALESCE(provider_id,'')
		FROM contacts WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.ID, &c.FullName, &c.Headline, &c.Company, &c.ProviderID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetProject(ctx context.Context, id, userID string) (domain.Project, bool, error) {
	var p domain.Project
	err := s.DB.QueryRow(ctx, `
		SELECT id, user_id, name, COALESCE(pitch,'') FROM projects WHERE id=$1 AND user_id=$2
	`, id, userID).Scan(&p.ID, &p.UserID, &p.Name, &p.Pitch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, err
	}
	return p, true, nil
}

// ----- rate-limit counters -----

func (s *Store) GetDailyCount(ctx context.Context, accountID, action string, day time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT count FROM rate_counters WHERE account_id=$1 AND action=$2 AND day=$3
	`, accountID, action, dateOf(day)).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (s *Store) GetWeeklyCount(ctx context.Context, accountID, action string, weekStart time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM rate_counters
		WHERE account_id=$1 AND action=$2 AND day >= $3 AND day <= $4
	`, accountID, action, dateOf(weekStart), dateOf(weekStart.AddDate(0, 0, 6))).Scan(&n)
	return n, err
}

// IncrementDailyCount is the single atomic check-and-increment the limiter
// records through; concurrent writers on the same row serialize in Postgres.
func (s *Store) IncrementDailyCount(ctx context.Context, accountID, action string, day time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		INSERT INTO rate_counters (account_id, action, day, count, updated_at)
		VALUES ($1,$2,$3,1,now())
		ON CONFLICT (account_id, action, day)
		DO UPDATE SET count = rate_counters.count + 1, updated_at=now()
		RETURNING count
	`, accountID, action, dateOf(day)).Scan(&n)
	return n, err
}

func dateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ----- processing leases -----

// AcquireLease takes the per-campaign processing lease. An expired lease is
// stealable; a live lease held by someone else denies acquisition.
func (s *Store) AcquireLease(ctx context.Context, in store.LeaseRequest) (bool, error) {
	expires := in.Now.Add(in.TTL)
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO campaign_leases (campaign_id, holder, expires_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (campaign_id)
		DO UPDATE SET holder=$2, expires_at=$3
		WHERE campaign_leases.holder=$2 OR campaign_leases.expires_at < $4
	`, in.CampaignID, in.Holder, expires, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) RenewLease(ctx context.Context, in store.LeaseRequest) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_leases SET expires_at=$3 WHERE campaign_id=$1 AND holder=$2
	`, in.CampaignID, in.Holder, in.Now.Add(in.TTL))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ReleaseLease(ctx context.Context, campaignID, holder string) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM campaign_leases WHERE campaign_id=$1 AND holder=$2
	`, campaignID, holder)
	return err
}

// ----- inbound responses -----

func (s *Store) InsertTargetResponse(ctx context.Context, in store.TargetResponse) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO target_responses (id, target_id, campaign_id, text, sentiment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.ID, in.TargetID, in.CampaignID, in.Text, nullIfEmpty(in.Sentiment), in.Now)
	return err
}

func (s *Store) ResponseBreakdown(ctx context.Context, campaignID string) (map[string]int, int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT COALESCE(sentiment, 'neutral'), COUNT(*)
		FROM target_responses WHERE campaign_id=$1 GROUP BY 1
	`, campaignID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := map[string]int{"positive": 0, "negative": 0, "neutral": 0}
	total := 0
	for rows.Next() {
		var sentiment string
		var n int
		if err := rows.Scan(&sentiment, &n); err != nil {
			return nil, 0, err
		}
		out[sentiment] += n
		total += n
	}
	return out, total, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
