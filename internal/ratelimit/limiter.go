package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"outreach/internal/observability"
)

// Action types tracked per account and calendar day.
const (
	ActionInvitation   = "invitation"
	ActionProfileVisit = "profile_visit"
	ActionSearch       = "search"
)

// Conservative limits under the published provider maximums.
const (
	DailyInvitationLimit   = 90
	WeeklyInvitationLimit  = 200
	DailyProfileVisitLimit = 100
	DailySearchLimit       = 1000
)

type CounterStore interface {
	GetDailyCount(ctx context.Context, accountID, action string, day time.Time) (int, error)
	GetWeeklyCount(ctx context.Context, accountID, action string, weekStart time.Time) (int, error)
	IncrementDailyCount(ctx context.Context, accountID, action string, day time.Time) (int, error)
}

// Limiter gates outbound actions against per-account daily/weekly quotas.
// Admission checks fail closed on storage errors. Recording goes through a
// single atomic upsert-increment in the store; the returned error is the
// caller's signal to stop sending until accounting is restored.
//
// The mutex serializes check/record sequences within this process so that
// concurrent dispatch runs do not interleave reads and increments. Across
// multiple instances the atomic increment keeps the counters themselves
// consistent, at the cost of admission being approximate near the boundary.
type Limiter struct {
	Store CounterStore

	// Now is an injectable clock; nil means time.Now.
	Now func() time.Time

	mu sync.Mutex
}

type WindowStatus struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type LimitsReport struct {
	Invitations   WindowStatus `json:"invitations"`
	ProfileVisits WindowStatus `json:"profileVisits"`
	Searches      WindowStatus `json:"searches"`
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Limiter) CanSendInvitation(ctx context.Context, accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.now()

	daily, err := l.Store.GetDailyCount(ctx, accountID, ActionInvitation, today)
	if err != nil {
		slog.Error("rate limit daily read failed, denying", "account_id", accountID, "err", err)
		return false
	}
	weekly, err := l.Store.GetWeeklyCount(ctx, accountID, ActionInvitation, WeekStart(today))
	if err != nil {
		slog.Error("rate limit weekly read failed, denying", "account_id", accountID, "err", err)
		return false
	}

	if daily >= DailyInvitationLimit {
		slog.Warn("daily invitation limit reached", "account_id", accountID, "count", daily)
		observability.AdmissionDenied.WithLabelValues(ActionInvitation, "daily").Inc()
		return false
	}
	if weekly >= WeeklyInvitationLimit {
		slog.Warn("weekly invitation limit reached", "account_id", accountID, "count", weekly)
		observability.AdmissionDenied.WithLabelValues(ActionInvitation, "weekly").Inc()
		return false
	}
	return true
}

func (l *Limiter) CanVisitProfile(ctx context.Context, accountID string) bool {
	return l.canDaily(ctx, accountID, ActionProfileVisit, DailyProfileVisitLimit)
}

func (l *Limiter) CanPerformSearch(ctx context.Context, accountID string) bool {
	return l.canDaily(ctx, accountID, ActionSearch, DailySearchLimit)
}

func (l *Limiter) canDaily(ctx context.Context, accountID, action string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	daily, err := l.Store.GetDailyCount(ctx, accountID, action, l.now())
	if err != nil {
		slog.Error("rate limit daily read failed, denying", "account_id", accountID, "action", action, "err", err)
		return false
	}
	if daily >= limit {
		slog.Warn("daily limit reached", "account_id", accountID, "action", action, "count", daily)
		observability.AdmissionDenied.WithLabelValues(action, "daily").Inc()
		return false
	}
	return true
}

func (l *Limiter) RecordInvitationSent(ctx context.Context, accountID string) error {
	return l.record(ctx, accountID, ActionInvitation)
}

func (l *Limiter) RecordProfileVisit(ctx context.Context, accountID string) error {
	return l.record(ctx, accountID, ActionProfileVisit)
}

func (l *Limiter) RecordSearchPerformed(ctx context.Context, accountID string) error {
	return l.record(ctx, accountID, ActionSearch)
}

func (l *Limiter) record(ctx context.Context, accountID, action string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.Store.IncrementDailyCount(ctx, accountID, action, l.now()); err != nil {
		slog.Error("rate limit record failed", "account_id", accountID, "action", action, "err", err)
		return err
	}
	return nil
}

func (l *Limiter) DailyLimitsStatus(ctx context.Context, accountID string) (LimitsReport, error) {
	today := l.now()

	invitations, err := l.Store.GetDailyCount(ctx, accountID, ActionInvitation, today)
	if err != nil {
		return LimitsReport{}, err
	}
	visits, err := l.Store.GetDailyCount(ctx, accountID, ActionProfileVisit, today)
	if err != nil {
		return LimitsReport{}, err
	}
	searches, err := l.Store.GetDailyCount(ctx, accountID, ActionSearch, today)
	if err != nil {
		return LimitsReport{}, err
	}

	return LimitsReport{
		Invitations:   windowStatus(invitations, DailyInvitationLimit),
		ProfileVisits: windowStatus(visits, DailyProfileVisitLimit),
		Searches:      windowStatus(searches, DailySearchLimit),
	}, nil
}

func windowStatus(used, limit int) WindowStatus {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return WindowStatus{Used: used, Limit: limit, Remaining: remaining}
}

// WeekStart returns the Monday of t's week, in UTC.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}
