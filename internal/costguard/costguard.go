// Package costguard enforces per-project spend envelopes: daily and monthly
// USD budgets, sliding-window rate limits, and per-turn caps surfaced to the
// agent runner.
package costguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Pricing is USD per million tokens for one model.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing covers the models the runtime routes to out of the box.
// Unknown models fall back to conservative flagship pricing.
var defaultPricing = map[string]Pricing{
	"claude-sonnet-4-5": {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"claude-haiku-4-5":  {InputPerMTok: 1.0, OutputPerMTok: 5.0},
	"claude-opus-4-1":   {InputPerMTok: 15.0, OutputPerMTok: 75.0},
	"gpt-4o":            {InputPerMTok: 2.5, OutputPerMTok: 10.0},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"gpt-4.1":           {InputPerMTok: 2.0, OutputPerMTok: 8.0},
}

var fallbackPricing = Pricing{InputPerMTok: 15.0, OutputPerMTok: 75.0}

// EstimateCost prices a token count against the model table.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := defaultPricing[model]
	if !ok {
		p = fallbackPricing
	}
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

// Decision is the outcome of a precheck.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`

	// Per-turn caps for the runner to enforce during the turn.
	MaxTokensPerTurn    int `json:"maxTokensPerTurn,omitempty"`
	MaxTurnsPerSession  int `json:"maxTurnsPerSession,omitempty"`
	MaxToolCallsPerTurn int `json:"maxToolCallsPerTurn,omitempty"`
}

// Status is the spend snapshot for a project.
type Status struct {
	DailyUSD        float64 `json:"dailyUsd"`
	MonthlyUSD      float64 `json:"monthlyUsd"`
	DailyBudgetUSD  float64 `json:"dailyBudgetUsd"`
	MonthlyBudget   float64 `json:"monthlyBudgetUsd"`
	TokensInPeriod  int     `json:"tokensInPeriod"`
	RequestsLastMin int     `json:"requestsLastMinute"`
}

// AlertFunc receives one-shot budget threshold alerts.
type AlertFunc func(projectID, budget string, percentUsed float64)

// Guard checks budgets before turns and records usage after LLM calls.
type Guard struct {
	usage  storage.UsageRepo
	logger *observability.Logger
	alert  AlertFunc

	mu       sync.Mutex
	requests map[string][]time.Time // projectID -> request timestamps, pruned per check
	alerted  map[string]bool        // projectID + "\x00" + budget name
}

// NewGuard builds a Guard over the usage ledger.
func NewGuard(usage storage.UsageRepo, logger *observability.Logger, alert AlertFunc) *Guard {
	return &Guard{
		usage:    usage,
		logger:   logger,
		alert:    alert,
		requests: make(map[string][]time.Time),
		alerted:  make(map[string]bool),
	}
}

// Precheck decides whether a turn may start given the project's budgets and
// an estimate of the tokens the turn will consume.
func (g *Guard) Precheck(ctx context.Context, project *models.Project, plannedTokens int) (*Decision, error) {
	cost := project.AgentConfig.Cost
	now := time.Now().UTC()

	if reason := g.checkRateLimit(project.ID, cost.RateLimits, now); reason != "" {
		return &Decision{Allow: false, Reason: reason}, nil
	}

	dailyUSD, _, err := g.usage.SumSince(ctx, project.ID, startOfDay(now))
	if err != nil {
		return nil, fmt.Errorf("sum daily usage: %w", err)
	}
	monthlyUSD, _, err := g.usage.SumSince(ctx, project.ID, startOfMonth(now))
	if err != nil {
		return nil, fmt.Errorf("sum monthly usage: %w", err)
	}

	estimated := EstimateCost(project.AgentConfig.Provider.Model, plannedTokens, 0)

	hardLimit := cost.HardLimitPercent
	if hardLimit <= 0 {
		hardLimit = 100
	}
	if cost.DailyBudgetUSD > 0 && dailyUSD+estimated > cost.DailyBudgetUSD*hardLimit/100 {
		return &Decision{Allow: false, Reason: fmt.Sprintf(
			"daily budget exhausted: $%.4f of $%.2f used", dailyUSD, cost.DailyBudgetUSD)}, nil
	}
	if cost.MonthlyBudgetUSD > 0 && monthlyUSD+estimated > cost.MonthlyBudgetUSD*hardLimit/100 {
		return &Decision{Allow: false, Reason: fmt.Sprintf(
			"monthly budget exhausted: $%.4f of $%.2f used", monthlyUSD, cost.MonthlyBudgetUSD)}, nil
	}

	g.maybeAlert(ctx, project.ID, "daily", dailyUSD, cost.DailyBudgetUSD, cost.AlertThresholdPercent)
	g.maybeAlert(ctx, project.ID, "monthly", monthlyUSD, cost.MonthlyBudgetUSD, cost.AlertThresholdPercent)

	g.recordRequest(project.ID, now)

	return &Decision{
		Allow:               true,
		MaxTokensPerTurn:    cost.MaxTokensPerTurn,
		MaxTurnsPerSession:  cost.MaxTurnsPerSession,
		MaxToolCallsPerTurn: cost.MaxToolCallsPerTurn,
	}, nil
}

// RecordUsage prices and persists one LLM call.
func (g *Guard) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	if rec.CostUSD == 0 {
		rec.CostUSD = EstimateCost(rec.Model, rec.InputTokens, rec.OutputTokens)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := g.usage.Record(ctx, rec); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Status reports current spend against budgets.
func (g *Guard) Status(ctx context.Context, project *models.Project) (*Status, error) {
	now := time.Now().UTC()
	dailyUSD, dailyTokens, err := g.usage.SumSince(ctx, project.ID, startOfDay(now))
	if err != nil {
		return nil, err
	}
	monthlyUSD, _, err := g.usage.SumSince(ctx, project.ID, startOfMonth(now))
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	lastMin := countSince(g.requests[project.ID], now.Add(-time.Minute))
	g.mu.Unlock()

	return &Status{
		DailyUSD:        dailyUSD,
		MonthlyUSD:      monthlyUSD,
		DailyBudgetUSD:  project.AgentConfig.Cost.DailyBudgetUSD,
		MonthlyBudget:   project.AgentConfig.Cost.MonthlyBudgetUSD,
		TokensInPeriod:  dailyTokens,
		RequestsLastMin: lastMin,
	}, nil
}

func (g *Guard) checkRateLimit(projectID string, limits models.RateLimitConfig, now time.Time) string {
	if limits.MaxRequestsPerMinute <= 0 && limits.MaxRequestsPerHour <= 0 {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	// Prune entries older than the widest window.
	stamps := g.requests[projectID]
	cutoff := now.Add(-time.Hour)
	for len(stamps) > 0 && stamps[0].Before(cutoff) {
		stamps = stamps[1:]
	}
	g.requests[projectID] = stamps

	if limits.MaxRequestsPerMinute > 0 && countSince(stamps, now.Add(-time.Minute)) >= limits.MaxRequestsPerMinute {
		return fmt.Sprintf("rate limit exceeded: %d requests per minute", limits.MaxRequestsPerMinute)
	}
	if limits.MaxRequestsPerHour > 0 && len(stamps) >= limits.MaxRequestsPerHour {
		return fmt.Sprintf("rate limit exceeded: %d requests per hour", limits.MaxRequestsPerHour)
	}
	return ""
}

func (g *Guard) recordRequest(projectID string, now time.Time) {
	g.mu.Lock()
	g.requests[projectID] = append(g.requests[projectID], now)
	g.mu.Unlock()
}

func (g *Guard) maybeAlert(ctx context.Context, projectID, budget string, usedUSD, budgetUSD, thresholdPercent float64) {
	if budgetUSD <= 0 || thresholdPercent <= 0 {
		return
	}
	percent := usedUSD / budgetUSD * 100
	if percent < thresholdPercent {
		return
	}

	key := projectID + "\x00" + budget
	g.mu.Lock()
	already := g.alerted[key]
	g.alerted[key] = true
	g.mu.Unlock()
	if already {
		return
	}

	if g.logger != nil {
		g.logger.Warn(ctx, "budget alert threshold crossed",
			"project_id", projectID, "budget", budget, "percent_used", percent)
	}
	if g.alert != nil {
		g.alert(projectID, budget, percent)
	}
}

func countSince(stamps []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range stamps {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
