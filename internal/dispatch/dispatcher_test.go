package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"outreach/internal/domain"
	"outreach/internal/gateway"
	"outreach/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store, faithful to
// its conditional-update semantics (sent only from pending, launch only
// from draft, and so on).
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	targets   map[string]*domain.Target
	contacts  map[string]domain.Contact
	projects  map[string]domain.Project

	sentiments     map[string]int
	totalResponses int

	leaseDenied bool
	renewDenied bool
	leases      map[string]string // campaign id -> holder

	getCampaignErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:  map[string]*domain.Campaign{},
		targets:    map[string]*domain.Target{},
		contacts:   map[string]domain.Contact{},
		projects:   map[string]domain.Project{},
		sentiments: map[string]int{},
		leases:     map[string]string{},
	}
}

func (f *fakeStore) InsertCampaign(_ context.Context, c domain.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[c.ID] = &c
	return nil
}

func (f *fakeStore) GetCampaign(_ context.Context, id string) (domain.Campaign, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getCampaignErr != nil {
		return domain.Campaign{}, false, f.getCampaignErr
	}
	c, ok := f.campaigns[id]
	if !ok {
		return domain.Campaign{}, false, nil
	}
	return *c, true, nil
}

func (f *fakeStore) ListCampaignsByUser(_ context.Context, userID string) ([]domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Campaign
	for _, c := range f.campaigns {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkCampaignLaunched(_ context.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.Status != domain.CampaignDraft {
		return false, nil
	}
	c.Status = domain.CampaignActive
	c.LaunchedAt = &now
	return true, nil
}

func (f *fakeStore) SetCampaignStatus(_ context.Context, id string, status domain.CampaignStatus, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return false, nil
	}
	c.Status = status
	c.LastProcessedAt = &now
	return true, nil
}

func (f *fakeStore) MarkCampaignCompleted(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[id]; ok {
		c.Status = domain.CampaignCompleted
		c.CompletedAt = &now
	}
	return nil
}

func (f *fakeStore) TouchCampaignProcessed(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[id]; ok {
		c.LastProcessedAt = &now
	}
	return nil
}

func (f *fakeStore) IncrementSentCount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[id]; ok {
		c.SentCount++
	}
	return nil
}

func (f *fakeStore) IncrementErrorCount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[id]; ok {
		c.ErrorCount++
	}
	return nil
}

func (f *fakeStore) AddTotalTargets(_ context.Context, id string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[id]; ok {
		c.TotalTargets += n
	}
	return nil
}

func (f *fakeStore) InsertTargets(_ context.Context, targets []domain.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range targets {
		t := t
		f.targets[t.ID] = &t
	}
	return nil
}

func (f *fakeStore) GetTarget(_ context.Context, id string) (domain.Target, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok {
		return domain.Target{}, false, nil
	}
	return *t, true, nil
}

func (f *fakeStore) GetPendingTargets(_ context.Context, campaignID string, limit int) ([]domain.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Target
	for _, t := range f.targets {
		if t.CampaignID == campaignID && t.Status == domain.TargetPending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CountPendingTargets(_ context.Context, campaignID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.targets {
		if t.CampaignID == campaignID && t.Status == domain.TargetPending {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListTargets(_ context.Context, campaignID string) ([]domain.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Target
	for _, t := range f.targets {
		if t.CampaignID == campaignID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) DeletePendingTarget(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok || t.Status != domain.TargetPending {
		return false, nil
	}
	delete(f.targets, id)
	return true, nil
}

func (f *fakeStore) MarkTargetSent(_ context.Context, in store.TargetSentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[in.ID]
	if !ok || t.Status != domain.TargetPending {
		return nil
	}
	t.Status = domain.TargetSent
	t.SentAt = &in.Now
	if in.Invitation {
		t.InvitationSent = true
	} else {
		t.MessageSent = true
	}
	return nil
}

func (f *fakeStore) MarkTargetRetry(_ context.Context, in store.TargetRetryUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.targets[in.ID]; ok && t.Status == domain.TargetPending {
		t.RetryCount = in.RetryCount
		t.FailureReason = in.Reason
		t.LastRetryAt = &in.Now
	}
	return nil
}

func (f *fakeStore) MarkTargetFailed(_ context.Context, in store.TargetFailedUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.targets[in.ID]; ok && t.Status == domain.TargetPending {
		t.Status = domain.TargetFailed
		t.RetryCount = in.RetryCount
		t.FailureReason = in.Reason
		t.FailedAt = &in.Now
	}
	return nil
}

func (f *fakeStore) CountTargetsByStatus(_ context.Context, campaignID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, t := range f.targets {
		if t.CampaignID == campaignID {
			out[string(t.Status)]++
		}
	}
	return out, nil
}

func (f *fakeStore) ResponseBreakdown(_ context.Context, _ string) (map[string]int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{"positive": 0, "negative": 0, "neutral": 0}
	for k, v := range f.sentiments {
		out[k] = v
	}
	return out, f.totalResponses, nil
}

func (f *fakeStore) GetContact(_ context.Context, id string) (domain.Contact, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	return c, ok, nil
}

func (f *fakeStore) GetContactsByIDs(_ context.Context, ids []string) ([]domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Contact
	for _, id := range ids {
		if c, ok := f.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetProject(_ context.Context, id, userID string) (domain.Project, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok || p.UserID != userID {
		return domain.Project{}, false, nil
	}
	return p, true, nil
}

func (f *fakeStore) AcquireLease(_ context.Context, in store.LeaseRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseDenied {
		return false, nil
	}
	f.leases[in.CampaignID] = in.Holder
	return true, nil
}

func (f *fakeStore) RenewLease(_ context.Context, in store.LeaseRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewDenied {
		return false, nil
	}
	return f.leases[in.CampaignID] == in.Holder, nil
}

func (f *fakeStore) ReleaseLease(_ context.Context, campaignID, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leases[campaignID] == holder {
		delete(f.leases, campaignID)
	}
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	relations []gateway.Relation

	relationsErr error
	sendErr      error
	// failFirst limits sendErr to this many send calls; zero means every call.
	failFirst int

	attempts    int
	invitations []string
	messages    []string

	// afterSend runs outside the lock after each successful send.
	afterSend func()
}

func (g *fakeGateway) ListRelations(_ context.Context, _ string, _ int) ([]gateway.Relation, error) {
	if g.relationsErr != nil {
		return nil, g.relationsErr
	}
	return g.relations, nil
}

func (g *fakeGateway) SendInvitation(_ context.Context, _, providerID, _ string) (gateway.SendResult, error) {
	if err := g.sendAttempt(); err != nil {
		return gateway.SendResult{}, err
	}
	g.mu.Lock()
	g.invitations = append(g.invitations, providerID)
	g.mu.Unlock()
	if g.afterSend != nil {
		g.afterSend()
	}
	return gateway.SendResult{ID: "inv_" + providerID, Status: "sent"}, nil
}

func (g *fakeGateway) SendChatMessage(_ context.Context, _, providerID, _ string) (gateway.SendResult, error) {
	if err := g.sendAttempt(); err != nil {
		return gateway.SendResult{}, err
	}
	g.mu.Lock()
	g.messages = append(g.messages, providerID)
	g.mu.Unlock()
	if g.afterSend != nil {
		g.afterSend()
	}
	return gateway.SendResult{ID: "msg_" + providerID, Status: "sent"}, nil
}

func (g *fakeGateway) sendAttempt() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	if g.sendErr != nil && (g.failFirst == 0 || g.attempts <= g.failFirst) {
		return g.sendErr
	}
	return nil
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.invitations) + len(g.messages)
}

func (g *fakeGateway) attemptCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

type fakeLimiter struct {
	mu        sync.Mutex
	allowN    int // admissions granted before denial; negative means unlimited
	recorded  int
	recordErr error
}

func (l *fakeLimiter) CanSendInvitation(_ context.Context, _ string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowN < 0 {
		return true
	}
	if l.allowN == 0 {
		return false
	}
	l.allowN--
	return true
}

func (l *fakeLimiter) RecordInvitationSent(_ context.Context, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	l.recorded++
	return nil
}

var testNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(fs *fakeStore, gw *fakeGateway, lim *fakeLimiter) *Dispatcher {
	return &Dispatcher{
		Store:   fs,
		Gateway: gw,
		Limiter: lim,
		Delay:   Delay{Rand: func() float64 { return 0.5 }},
		Holder:  "test-holder",
		Now:     func() time.Time { return testNow },
		Sleep:   func(context.Context, time.Duration) error { return nil },
	}
}

func seedCampaign(fs *fakeStore, status domain.CampaignStatus, pending int) *domain.Campaign {
	c := &domain.Campaign{
		ID:               "cmp_1",
		UserID:           "u1",
		ProjectID:        "p1",
		Name:             "Test",
		MessageTemplate:  "Hi {first_name}",
		AccountID:        "acc1",
		Status:           status,
		DailyLimit:       80,
		SendDelaySeconds: 120,
		CreatedAt:        testNow,
	}
	fs.campaigns[c.ID] = c
	for i := 0; i < pending; i++ {
		id := "tgt_" + string(rune('a'+i))
		fs.targets[id] = &domain.Target{
			ID:                  id,
			CampaignID:          c.ID,
			ContactID:           "ct_" + string(rune('a'+i)),
			ProviderID:          "prov-" + string(rune('a'+i)),
			PersonalizedMessage: "Hi there",
			Status:              domain.TargetPending,
			MaxRetries:          3,
			CreatedAt:           testNow,
		}
	}
	return c
}

func TestProcessRunSendsAllAndCompletes(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 3)
	gw := &fakeGateway{}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(gw.invitations) != 3 {
		t.Fatalf("expected 3 invitations, got %d", len(gw.invitations))
	}
	if lim.recorded != 3 {
		t.Fatalf("expected 3 recorded sends, got %d", lim.recorded)
	}
	c := fs.campaigns["cmp_1"]
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("expected completed campaign, got %s", c.Status)
	}
	if c.SentCount != 3 {
		t.Fatalf("expected sent_count 3, got %d", c.SentCount)
	}
	for _, tgt := range fs.targets {
		if tgt.Status != domain.TargetSent || !tgt.InvitationSent {
			t.Fatalf("target %s not marked as sent invitation: %+v", tgt.ID, tgt)
		}
	}
	if len(fs.leases) != 0 {
		t.Fatalf("expected lease released, still held: %v", fs.leases)
	}
}

func TestConnectedTargetGetsChatMessage(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 2)
	gw := &fakeGateway{relations: []gateway.Relation{{ProviderID: "prov-a", FullName: "A"}}}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(gw.messages) != 1 || gw.messages[0] != "prov-a" {
		t.Fatalf("expected chat message to prov-a, got %v", gw.messages)
	}
	if len(gw.invitations) != 1 || gw.invitations[0] != "prov-b" {
		t.Fatalf("expected invitation to prov-b, got %v", gw.invitations)
	}
	if !fs.targets["tgt_a"].MessageSent || fs.targets["tgt_a"].InvitationSent {
		t.Fatalf("expected message flag on connected target: %+v", fs.targets["tgt_a"])
	}
}

func TestRateLimitDenialHaltsBatch(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 5)
	gw := &fakeGateway{}
	lim := &fakeLimiter{allowN: 2}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := gw.sendCount(); got != 2 {
		t.Fatalf("expected 2 sends before denial, got %d", got)
	}
	c := fs.campaigns["cmp_1"]
	if c.Status != domain.CampaignActive {
		t.Fatalf("expected campaign still active, got %s", c.Status)
	}
	remaining, _ := fs.CountPendingTargets(context.Background(), "cmp_1")
	if remaining != 3 {
		t.Fatalf("expected 3 pending remaining, got %d", remaining)
	}
}

func TestGatewayErrorBumpsRetry(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 1)
	gw := &fakeGateway{sendErr: errors.New("boom")}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	tgt := fs.targets["tgt_a"]
	if tgt.Status != domain.TargetPending {
		t.Fatalf("expected target still pending, got %s", tgt.Status)
	}
	if tgt.RetryCount != 1 || tgt.FailureReason == "" {
		t.Fatalf("expected one recorded retry, got %+v", tgt)
	}
	if fs.campaigns["cmp_1"].Status != domain.CampaignActive {
		t.Fatalf("target-scoped failure must not fail the campaign")
	}
}

func TestRetryExhaustionFailsTarget(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 1)
	fs.targets["tgt_a"].RetryCount = 2
	gw := &fakeGateway{sendErr: errors.New("boom")}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	tgt := fs.targets["tgt_a"]
	if tgt.Status != domain.TargetFailed {
		t.Fatalf("expected failed target at max retries, got %s", tgt.Status)
	}
	if tgt.RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", tgt.RetryCount)
	}
	c := fs.campaigns["cmp_1"]
	if c.ErrorCount != 1 {
		t.Fatalf("expected error count 1, got %d", c.ErrorCount)
	}
	// Nothing pending anymore, so the run completes the campaign.
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("expected completed campaign, got %s", c.Status)
	}
}

func TestTransientGatewayErrorRetriedWithinSend(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 1)
	gw := &fakeGateway{sendErr: &gateway.APIError{Status: 503, Code: "upstream"}, failFirst: 2}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if gw.attemptCount() != 3 {
		t.Fatalf("expected 3 gateway attempts, got %d", gw.attemptCount())
	}
	tgt := fs.targets["tgt_a"]
	if tgt.Status != domain.TargetSent {
		t.Fatalf("expected sent target after in-call retries, got %s", tgt.Status)
	}
	if tgt.RetryCount != 0 {
		t.Fatalf("in-call retries must not consume target retries, got %d", tgt.RetryCount)
	}
}

func TestTransientErrorExhaustionBumpsOneRetry(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 1)
	gw := &fakeGateway{sendErr: &gateway.APIError{Status: 502, Code: "upstream"}}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if gw.attemptCount() != 3 {
		t.Fatalf("expected 3 gateway attempts, got %d", gw.attemptCount())
	}
	tgt := fs.targets["tgt_a"]
	if tgt.Status != domain.TargetPending || tgt.RetryCount != 1 {
		t.Fatalf("expected one target retry after exhausted attempts, got %+v", tgt)
	}
}

func TestPermanentGatewayErrorNotRetriedWithinSend(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 1)
	gw := &fakeGateway{sendErr: &gateway.APIError{Status: 400, Code: "invalid_recipient"}}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if gw.attemptCount() != 1 {
		t.Fatalf("expected a single gateway attempt, got %d", gw.attemptCount())
	}
	tgt := fs.targets["tgt_a"]
	if tgt.Status != domain.TargetPending || tgt.RetryCount != 1 {
		t.Fatalf("expected one target retry, got %+v", tgt)
	}
}

func TestDailyLimitSlicesBatchAcrossRuns(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 3)
	fs.campaigns["cmp_1"].DailyLimit = 2
	gw := &fakeGateway{}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if gw.sendCount() != 2 {
		t.Fatalf("expected 2 sends in first run, got %d", gw.sendCount())
	}
	c := fs.campaigns["cmp_1"]
	if c.Status != domain.CampaignActive || c.SentCount != 2 {
		t.Fatalf("expected active campaign with 2 sent after first run, got status=%s sent=%d", c.Status, c.SentCount)
	}
	if fs.targets["tgt_c"].Status != domain.TargetPending {
		t.Fatalf("expected tgt_c still pending, got %s", fs.targets["tgt_c"].Status)
	}

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if gw.sendCount() != 3 {
		t.Fatalf("expected 3 sends total, got %d", gw.sendCount())
	}
	if c.Status != domain.CampaignCompleted || c.SentCount != 3 {
		t.Fatalf("expected completed campaign with 3 sent, got status=%s sent=%d", c.Status, c.SentCount)
	}
}

func TestBreakerOpenHaltsWithoutRetryBump(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 2)
	gw := &fakeGateway{sendErr: gobreaker.ErrOpenState}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, tgt := range fs.targets {
		if tgt.Status != domain.TargetPending || tgt.RetryCount != 0 {
			t.Fatalf("open breaker must not burn retries: %+v", tgt)
		}
	}
	if fs.campaigns["cmp_1"].Status != domain.CampaignActive {
		t.Fatalf("expected campaign still active after breaker halt")
	}
}

func TestListRelationsFailureMarksCampaignError(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 1)
	gw := &fakeGateway{relationsErr: errors.New("gateway down")}
	lim := &fakeLimiter{allowN: -1}
	d := newTestDispatcher(fs, gw, lim)

	err := d.ProcessCampaignSends(context.Background(), "cmp_1")
	if err == nil {
		t.Fatalf("expected run error")
	}
	if fs.campaigns["cmp_1"].Status != domain.CampaignError {
		t.Fatalf("expected campaign in error, got %s", fs.campaigns["cmp_1"].Status)
	}
}

func TestInactiveCampaignRunIsNoop(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignDraft, 2)
	gw := &fakeGateway{}
	d := newTestDispatcher(fs, gw, &fakeLimiter{allowN: -1})

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gw.sendCount() != 0 {
		t.Fatalf("draft campaign must not send")
	}
}

func TestLeaseHeldElsewhereIsNoop(t *testing.T) {
	fs := newFakeStore()
	fs.leaseDenied = true
	seedCampaign(fs, domain.CampaignActive, 2)
	gw := &fakeGateway{}
	d := newTestDispatcher(fs, gw, &fakeLimiter{allowN: -1})

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gw.sendCount() != 0 {
		t.Fatalf("run without the lease must not send")
	}
}

func TestLeaseLostMidBatchHalts(t *testing.T) {
	fs := newFakeStore()
	fs.renewDenied = true
	seedCampaign(fs, domain.CampaignActive, 3)
	gw := &fakeGateway{}
	d := newTestDispatcher(fs, gw, &fakeLimiter{allowN: -1})

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gw.sendCount() != 0 {
		t.Fatalf("lost lease must halt before sending, sent %d", gw.sendCount())
	}
	if fs.campaigns["cmp_1"].Status != domain.CampaignActive {
		t.Fatalf("lost lease must not change campaign status")
	}
}

func TestPauseObservedAtTargetBoundary(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 3)
	gw := &fakeGateway{}
	gw.afterSend = func() {
		fs.mu.Lock()
		fs.campaigns["cmp_1"].Status = domain.CampaignPaused
		fs.mu.Unlock()
	}
	d := newTestDispatcher(fs, gw, &fakeLimiter{allowN: -1})

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if gw.sendCount() != 1 {
		t.Fatalf("expected halt after first send, sent %d", gw.sendCount())
	}
	if fs.campaigns["cmp_1"].Status != domain.CampaignPaused {
		t.Fatalf("pause must stick, got %s", fs.campaigns["cmp_1"].Status)
	}
}

func TestRecordFailureHaltsBatch(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 3)
	gw := &fakeGateway{}
	lim := &fakeLimiter{allowN: -1, recordErr: errors.New("counters down")}
	d := newTestDispatcher(fs, gw, lim)

	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The first action happened; the unaccountable usage stops the rest.
	if gw.sendCount() != 1 {
		t.Fatalf("expected 1 send before halt, got %d", gw.sendCount())
	}
	if fs.targets["tgt_a"].Status != domain.TargetSent {
		t.Fatalf("the sent target must stay sent")
	}
	remaining, _ := fs.CountPendingTargets(context.Background(), "cmp_1")
	if remaining != 2 {
		t.Fatalf("expected 2 pending remaining, got %d", remaining)
	}
}

func TestConcurrentRunsSingleFlight(t *testing.T) {
	fs := newFakeStore()
	seedCampaign(fs, domain.CampaignActive, 2)
	gw := &fakeGateway{}
	firstSend := make(chan struct{})
	gw.afterSend = func() {
		select {
		case <-firstSend:
		default:
			close(firstSend)
		}
	}
	release := make(chan struct{})
	d := newTestDispatcher(fs, gw, &fakeLimiter{allowN: -1})
	d.Sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan error, 1)
	go func() { done <- d.ProcessCampaignSends(context.Background(), "cmp_1") }()

	<-firstSend
	// Second run for the same id while the first is paced: must be a no-op.
	if err := d.ProcessCampaignSends(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("duplicate run: %v", err)
	}
	if got := gw.sendCount(); got != 1 {
		t.Fatalf("duplicate run must not send, count %d", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if got := gw.sendCount(); got != 2 {
		t.Fatalf("expected 2 sends total, got %d", got)
	}
}
