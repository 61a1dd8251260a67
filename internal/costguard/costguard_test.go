package costguard

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func testProject(cost models.CostConfig) *models.Project {
	return &models.Project{
		ID: "p1",
		AgentConfig: models.AgentConfig{
			Provider: models.ProviderSpec{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			Cost:     cost,
		},
	}
}

func newGuard(t *testing.T, alert AlertFunc) (*Guard, *storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewGuard(store.Usage, observability.NewNopLogger(), alert), store
}

func TestPrecheckDeniesOverDailyBudget(t *testing.T) {
	guard, store := newGuard(t, nil)
	ctx := context.Background()

	if err := store.Usage.Record(ctx, &models.UsageRecord{
		ProjectID: "p1", CostUSD: 9.99, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	project := testProject(models.CostConfig{DailyBudgetUSD: 10.0, HardLimitPercent: 100})
	decision, err := guard.Precheck(ctx, project, 100000)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allow {
		t.Error("precheck should deny over daily budget")
	}
	if !strings.Contains(decision.Reason, "daily budget") {
		t.Errorf("reason = %q", decision.Reason)
	}
}

func TestPrecheckHardLimitPercent(t *testing.T) {
	guard, store := newGuard(t, nil)
	ctx := context.Background()

	// $11 spent against a $10 budget, but the hard limit is 120%.
	if err := store.Usage.Record(ctx, &models.UsageRecord{
		ProjectID: "p1", CostUSD: 11.0, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	project := testProject(models.CostConfig{DailyBudgetUSD: 10.0, HardLimitPercent: 120})
	decision, err := guard.Precheck(ctx, project, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allow {
		t.Errorf("120%% hard limit should allow $11 of $10: %s", decision.Reason)
	}
}

func TestPrecheckAllowsAndReturnsCaps(t *testing.T) {
	guard, _ := newGuard(t, nil)

	project := testProject(models.CostConfig{
		DailyBudgetUSD:      100,
		MaxTokensPerTurn:    4096,
		MaxTurnsPerSession:  20,
		MaxToolCallsPerTurn: 5,
	})
	decision, err := guard.Precheck(context.Background(), project, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allow {
		t.Fatalf("deny: %s", decision.Reason)
	}
	if decision.MaxTokensPerTurn != 4096 || decision.MaxTurnsPerSession != 20 || decision.MaxToolCallsPerTurn != 5 {
		t.Errorf("caps not propagated: %+v", decision)
	}
}

func TestPrecheckRateLimitSlidingWindow(t *testing.T) {
	guard, _ := newGuard(t, nil)
	ctx := context.Background()

	project := testProject(models.CostConfig{
		RateLimits: models.RateLimitConfig{MaxRequestsPerMinute: 3},
	})
	for i := 0; i < 3; i++ {
		decision, err := guard.Precheck(ctx, project, 10)
		if err != nil {
			t.Fatal(err)
		}
		if !decision.Allow {
			t.Fatalf("request %d denied: %s", i+1, decision.Reason)
		}
	}
	decision, err := guard.Precheck(ctx, project, 10)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allow {
		t.Error("fourth request within a minute should be rate limited")
	}
	if !strings.Contains(decision.Reason, "rate limit") {
		t.Errorf("reason = %q", decision.Reason)
	}
}

func TestAlertFiresOnce(t *testing.T) {
	var alerts []string
	guard, store := newGuard(t, func(projectID, budget string, percent float64) {
		alerts = append(alerts, budget)
	})
	ctx := context.Background()

	if err := store.Usage.Record(ctx, &models.UsageRecord{
		ProjectID: "p1", CostUSD: 8.5, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	project := testProject(models.CostConfig{DailyBudgetUSD: 10, AlertThresholdPercent: 80, HardLimitPercent: 150})
	for i := 0; i < 3; i++ {
		if _, err := guard.Precheck(ctx, project, 10); err != nil {
			t.Fatal(err)
		}
	}
	if len(alerts) != 1 {
		t.Errorf("alert fired %d times, want once", len(alerts))
	}
}

func TestRecordUsagePricesTokens(t *testing.T) {
	guard, store := newGuard(t, nil)
	ctx := context.Background()

	rec := &models.UsageRecord{
		ProjectID:    "p1",
		Model:        "claude-sonnet-4-5",
		InputTokens:  1000000,
		OutputTokens: 1000000,
	}
	if err := guard.RecordUsage(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if rec.CostUSD != 18.0 {
		t.Errorf("cost = %v, want 18.0 for 1M in + 1M out", rec.CostUSD)
	}

	cost, tokens, err := store.Usage.SumSince(ctx, "p1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if cost != 18.0 || tokens != 2000000 {
		t.Errorf("ledger = ($%v, %d tokens)", cost, tokens)
	}
}

func TestEstimateCostUnknownModelFallsBack(t *testing.T) {
	got := EstimateCost("mystery-model", 1000000, 0)
	if got != fallbackPricing.InputPerMTok {
		t.Errorf("unknown model cost = %v, want fallback", got)
	}
}

func TestStatusReportsSpend(t *testing.T) {
	guard, store := newGuard(t, nil)
	ctx := context.Background()

	if err := store.Usage.Record(ctx, &models.UsageRecord{
		ProjectID: "p1", CostUSD: 2.5, InputTokens: 100, OutputTokens: 50, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	status, err := guard.Status(ctx, testProject(models.CostConfig{DailyBudgetUSD: 10, MonthlyBudgetUSD: 100}))
	if err != nil {
		t.Fatal(err)
	}
	if status.DailyUSD != 2.5 || status.MonthlyUSD != 2.5 {
		t.Errorf("spend = %+v", status)
	}
	if status.TokensInPeriod != 150 {
		t.Errorf("tokens = %d, want 150", status.TokensInPeriod)
	}
}
