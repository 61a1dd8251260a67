package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the runtime. A single
// instance is created at startup and passed through the dependency graph.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal        *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	ToolExecutions    *prometheus.CounterVec
	ProviderRetries   *prometheus.CounterVec
	TokensUsed        *prometheus.CounterVec
	BudgetDenials     *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	ScheduledRuns     *prometheus.CounterVec
	ApprovalOutcomes  *prometheus.CounterVec
}

// NewMetrics creates and registers all runtime instruments on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_turns_total",
			Help: "Agent turns by project and terminal status.",
		}, []string{"project_id", "status"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_turn_duration_seconds",
			Help:    "Wall time of a full agent turn.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"project_id"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_tool_executions_total",
			Help: "Tool executions by tool id and outcome.",
		}, []string{"tool_id", "outcome"}),
		ProviderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_provider_retries_total",
			Help: "Provider retry attempts by provider and reason.",
		}, []string{"provider", "reason"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_tokens_total",
			Help: "Tokens consumed by project and direction.",
		}, []string{"project_id", "direction"}),
		BudgetDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_budget_denials_total",
			Help: "Cost guard denials by project and reason.",
		}, []string{"project_id", "reason"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_webhook_deliveries_total",
			Help: "Webhook processing outcomes.",
		}, []string{"outcome"}),
		ScheduledRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_scheduled_runs_total",
			Help: "Scheduled task run outcomes.",
		}, []string{"status"}),
		ApprovalOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_approvals_total",
			Help: "Approval request resolutions.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.ToolExecutions,
		m.ProviderRetries,
		m.TokensUsed,
		m.BudgetDenials,
		m.WebhookDeliveries,
		m.ScheduledRuns,
		m.ApprovalOutcomes,
	)

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
