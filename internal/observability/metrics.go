package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	CampaignRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_campaign_runs_total", Help: "Dispatch run outcomes"},
		[]string{"result"},
	)
	TargetSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_target_sends_total", Help: "Per-target send outcomes"},
		[]string{"action", "result"},
	)
	AdmissionDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_admission_denied_total", Help: "Rate limiter denials"},
		[]string{"action", "window"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "outreach_gateway_latency_seconds", Help: "Gateway call latency"},
	)
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_inbound_events_total", Help: "Gateway webhook events"},
		[]string{"type", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, CampaignRuns, TargetSends, AdmissionDenied, GatewayLatency, InboundEvents)
}
