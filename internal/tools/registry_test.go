package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func testCtx() *ExecutionContext {
	return &ExecutionContext{ProjectID: "p1", SessionID: "s1", TraceID: "tr1"}
}

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&CalculatorTool{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&CalculatorTool{}); !errdefs.IsCode(err, errdefs.CodeValidation) {
		t.Errorf("duplicate register err = %v, want validation error", err)
	}

	r.Unregister("calculator")
	if err := r.Register(&CalculatorTool{}); err != nil {
		t.Errorf("re-register after unregister: %v", err)
	}
}

func TestRegistryListAllowed(t *testing.T) {
	r := NewRegistry()
	for _, tool := range []ExecutableTool{&CalculatorTool{}, &CurrentTimeTool{}} {
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}

	allowed := r.ListAllowed([]string{"calculator", "not_registered"})
	if len(allowed) != 1 || allowed[0].ID() != "calculator" {
		t.Errorf("allowed = %v", allowed)
	}
	if got := r.ListAllowed(nil); len(got) != 0 {
		t.Errorf("empty allowlist should yield no tools, got %d", len(got))
	}
}

func TestExecuteValidatesSchema(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&CalculatorTool{}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Execute(context.Background(), "calculator", json.RawMessage(`{"wrong": 1}`), testCtx())
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("missing required field should fail validation")
	}

	res, err = r.Execute(context.Background(), "calculator", json.RawMessage(`{"expression": "2 + 3 * 4"}`), testCtx())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Output != "14" {
		t.Errorf("result = %+v, want output 14", res)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Execute(context.Background(), "nope", nil, testCtx()); !errdefs.IsCode(err, errdefs.CodeNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestCalculator(t *testing.T) {
	tests := []struct {
		expr    string
		want    string
		wantErr bool
	}{
		{"1 + 2", "3", false},
		{"2 * (3 + 4)", "14", false},
		{"-5 + 3", "-2", false},
		{"10 / 4", "2.5", false},
		{"1 / 0", "", true},
		{"2 +", "", true},
		{"abc", "", true},
	}
	tool := &CalculatorTool{}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			input, _ := json.Marshal(map[string]string{"expression": tt.expr})
			res, err := tool.Execute(context.Background(), input, testCtx())
			if err != nil {
				t.Fatal(err)
			}
			if res.Success == tt.wantErr {
				t.Errorf("success = %v, wantErr %v (%+v)", res.Success, tt.wantErr, res)
			}
			if !tt.wantErr && res.Output != tt.want {
				t.Errorf("output = %s, want %s", res.Output, tt.want)
			}
		})
	}
}

type fakeSearcher struct {
	entries []*models.MemoryEntry
	err     error
}

func (f *fakeSearcher) RetrieveMemories(_ context.Context, _, _ string, _ int) ([]*models.MemoryEntry, error) {
	return f.entries, f.err
}

func TestMemorySearchTool(t *testing.T) {
	tool := &MemorySearchTool{Searcher: &fakeSearcher{entries: []*models.MemoryEntry{
		{Category: "preference", Content: "User prefers metric units"},
	}}}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "units"}`), testCtx())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Metadata["count"] != 1 {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestMemorySearchWithoutStore(t *testing.T) {
	tool := &MemorySearchTool{}
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "x"}`), testCtx())
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("search without a configured store should fail gracefully")
	}
}

func TestDryRunOnPureTool(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&CalculatorTool{}); err != nil {
		t.Fatal(err)
	}
	res, err := r.DryRun(context.Background(), "calculator", json.RawMessage(`{"expression": "6*7"}`), testCtx())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Output != "42" {
		t.Errorf("dry run result = %+v", res)
	}
}
