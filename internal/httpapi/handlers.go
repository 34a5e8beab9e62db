package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"outreach/internal/dispatch"
	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/ratelimit"
)

type JobQueue interface {
	EnqueueProcessJob(ctx context.Context, campaignID string) error
}

type API struct {
	Dispatcher *dispatch.Dispatcher
	Limiter    *ratelimit.Limiter
	Jobs       JobQueue
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/campaigns", a.handleCreateCampaign).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns", a.handleListCampaigns).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}/targets", a.handleAddTargets).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/targets", a.handleListTargets).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}/targets/{targetID}", a.handleRemoveTarget).Methods(http.MethodDelete)
	r.HandleFunc("/v1/campaigns/{id}/launch", a.handleLaunch).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/pause", a.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/resume", a.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/process", a.handleProcess).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/analytics", a.handleAnalytics).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}/test-message", a.handleTestMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/preview", a.handlePreview).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}/limits", a.handleLimits).Methods(http.MethodGet)
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, "/v1/campaigns", http.StatusBadRequest, "invalid json")
		return
	}

	campaign, err := a.Dispatcher.CreateCampaign(r.Context(), req)
	if err != nil {
		a.domainError(w, "/v1/campaigns", err)
		return
	}

	observability.APIRequests.WithLabelValues("/v1/campaigns", "201").Inc()
	writeJSON(w, http.StatusCreated, campaignView(campaign))
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		a.fail(w, "/v1/campaigns", http.StatusBadRequest, "missing userId")
		return
	}
	campaigns, err := a.Dispatcher.ListCampaigns(r.Context(), userID)
	if err != nil {
		a.domainError(w, "/v1/campaigns", err)
		return
	}
	views := make([]map[string]any, 0, len(campaigns))
	for _, c := range campaigns {
		views = append(views, campaignView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	campaign, found, err := a.Dispatcher.Store.GetCampaign(r.Context(), id)
	if err != nil {
		a.domainError(w, "/v1/campaigns/{id}", err)
		return
	}
	if !found {
		a.fail(w, "/v1/campaigns/{id}", http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, campaignView(campaign))
}

func (a *API) handleAddTargets(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		ContactIDs []string `json:"contactIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, "/v1/campaigns/{id}/targets", http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.ContactIDs) == 0 {
		a.fail(w, "/v1/campaigns/{id}/targets", http.StatusBadRequest, "missing contactIds")
		return
	}

	n, err := a.Dispatcher.AddTargets(r.Context(), id, req.ContactIDs)
	if err != nil {
		a.domainError(w, "/v1/campaigns/{id}/targets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": n})
}

func (a *API) handleListTargets(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	targets, err := a.Dispatcher.ListTargets(r.Context(), id)
	if err != nil {
		a.domainError(w, "/v1/campaigns/{id}/targets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": targets, "count": len(targets)})
}

func (a *API) handleRemoveTarget(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.Dispatcher.RemoveTarget(r.Context(), vars["id"], vars["targetID"]); err != nil {
		a.domainError(w, "/v1/campaigns/{id}/targets/{targetID}", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLaunch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Dispatcher.LaunchCampaign(r.Context(), id); err != nil {
		a.domainError(w, "/v1/campaigns/{id}/launch", err)
		return
	}

	// First processing run; later runs come from the scheduler.
	if err := a.Jobs.EnqueueProcessJob(r.Context(), id); err != nil {
		slog.Error("enqueue process job failed", "campaign_id", id, "err", err)
	}

	observability.APIRequests.WithLabelValues("/v1/campaigns/{id}/launch", "202").Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "active"})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Dispatcher.PauseCampaign(r.Context(), id); err != nil {
		a.domainError(w, "/v1/campaigns/{id}/pause", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Dispatcher.ResumeCampaign(r.Context(), id); err != nil {
		a.domainError(w, "/v1/campaigns/{id}/resume", err)
		return
	}
	if err := a.Jobs.EnqueueProcessJob(r.Context(), id); err != nil {
		slog.Error("enqueue process job failed", "campaign_id", id, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (a *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Jobs.EnqueueProcessJob(r.Context(), id); err != nil {
		slog.Error("enqueue process job failed", "campaign_id", id, "err", err)
		a.fail(w, "/v1/campaigns/{id}/process", http.StatusBadGateway, "enqueue failed")
		return
	}
	observability.APIRequests.WithLabelValues("/v1/campaigns/{id}/process", "202").Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	analytics, err := a.Dispatcher.Analytics(r.Context(), id)
	if err != nil {
		a.domainError(w, "/v1/campaigns/{id}/analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (a *API) handleTestMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		TargetID string `json:"targetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" {
		a.fail(w, "/v1/campaigns/{id}/test-message", http.StatusBadRequest, "missing targetId")
		return
	}

	result, err := a.Dispatcher.SendTestMessage(r.Context(), id, req.TargetID)
	if err != nil {
		a.domainError(w, "/v1/campaigns/{id}/test-message", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		ContactID string `json:"contactId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContactID == "" {
		a.fail(w, "/v1/campaigns/{id}/preview", http.StatusBadRequest, "missing contactId")
		return
	}

	message, err := a.Dispatcher.PreviewMessage(r.Context(), id, req.ContactID)
	if err != nil {
		a.domainError(w, "/v1/campaigns/{id}/preview", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (a *API) handleLimits(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	report, err := a.Limiter.DailyLimitsStatus(r.Context(), id)
	if err != nil {
		slog.Error("limits status failed", "account_id", id, "err", err)
		a.fail(w, "/v1/accounts/{id}/limits", http.StatusBadGateway, "db error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) domainError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, domain.ErrCampaignNotFound),
		errors.Is(err, domain.ErrTargetNotFound),
		errors.Is(err, domain.ErrContactNotFound):
		a.fail(w, endpoint, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrNoTargets):
		a.fail(w, endpoint, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotDraft),
		errors.Is(err, domain.ErrNotPending):
		a.fail(w, endpoint, http.StatusConflict, err.Error())
	default:
		slog.Error("request failed", "endpoint", endpoint, "err", err)
		a.fail(w, endpoint, http.StatusBadGateway, "dependency error")
	}
}

func (a *API) fail(w http.ResponseWriter, endpoint string, status int, msg string) {
	observability.APIRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func campaignView(c domain.Campaign) map[string]any {
	return map[string]any{
		"id":               c.ID,
		"userId":           c.UserID,
		"projectId":        c.ProjectID,
		"name":             c.Name,
		"accountId":        c.AccountID,
		"status":           c.Status,
		"totalTargets":     c.TotalTargets,
		"sentCount":        c.SentCount,
		"replyCount":       c.ReplyCount,
		"acceptedCount":    c.AcceptedCount,
		"errorCount":       c.ErrorCount,
		"dailyLimit":       c.DailyLimit,
		"sendDelaySeconds": c.SendDelaySeconds,
		"createdAt":        c.CreatedAt,
		"launchedAt":       c.LaunchedAt,
		"lastProcessedAt":  c.LastProcessedAt,
		"completedAt":      c.CompletedAt,
	}
}
