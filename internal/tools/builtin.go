package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// CalculatorTool evaluates basic arithmetic expressions. Pure, so DryRun
// equals Execute.
type CalculatorTool struct{}

func (t *CalculatorTool) ID() string                  { return "calculator" }
func (t *CalculatorTool) Name() string                { return "Calculator" }
func (t *CalculatorTool) Category() Category          { return CategoryUtility }
func (t *CalculatorTool) RiskLevel() models.RiskLevel { return models.RiskLow }
func (t *CalculatorTool) RequiresApproval() bool      { return false }
func (t *CalculatorTool) SideEffects() bool           { return false }
func (t *CalculatorTool) SupportsDryRun() bool        { return true }

func (t *CalculatorTool) Description() string {
	return "Evaluate an arithmetic expression with +, -, *, / and parentheses."
}

func (t *CalculatorTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"expression": {"type": "string", "description": "Arithmetic expression to evaluate"}
		},
		"required": ["expression"]
	}`)
}

func (t *CalculatorTool) Execute(_ context.Context, input json.RawMessage, _ *ExecutionContext) (*Result, error) {
	start := time.Now()
	var in struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(start, "invalid input: "+err.Error()), nil
	}
	value, err := evalExpression(in.Expression)
	if err != nil {
		return errorResult(start, err.Error()), nil
	}
	return &Result{
		Success:    true,
		Output:     strconv.FormatFloat(value, 'f', -1, 64),
		DurationMs: elapsed(start),
	}, nil
}

func (t *CalculatorTool) DryRun(ctx context.Context, input json.RawMessage, ec *ExecutionContext) (*Result, error) {
	return t.Execute(ctx, input, ec)
}

// evalExpression is a small recursive-descent parser over + - * / ( ).
func evalExpression(expr string) (float64, error) {
	p := &exprParser{src: strings.TrimSpace(expr)}
	v, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.src[p.pos], p.pos)
	}
	return v, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) parseSum() (float64, error) {
	v, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			v += rhs
		case '-':
			p.pos++
			rhs, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	v, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] == '.' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	return strconv.ParseFloat(p.src[start:p.pos], 64)
}

// CurrentTimeTool reports the current time, optionally in a named location.
type CurrentTimeTool struct {
	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
}

func (t *CurrentTimeTool) ID() string                  { return "current_time" }
func (t *CurrentTimeTool) Name() string                { return "Current Time" }
func (t *CurrentTimeTool) Category() Category          { return CategoryUtility }
func (t *CurrentTimeTool) RiskLevel() models.RiskLevel { return models.RiskLow }
func (t *CurrentTimeTool) RequiresApproval() bool      { return false }
func (t *CurrentTimeTool) SideEffects() bool           { return false }
func (t *CurrentTimeTool) SupportsDryRun() bool        { return true }

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally for an IANA timezone."
}

func (t *CurrentTimeTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name, e.g. Europe/Berlin"}
		}
	}`)
}

func (t *CurrentTimeTool) Execute(_ context.Context, input json.RawMessage, _ *ExecutionContext) (*Result, error) {
	start := time.Now()
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return errorResult(start, "invalid input: "+err.Error()), nil
		}
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	ts := now().UTC()
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return errorResult(start, "unknown timezone: "+in.Timezone), nil
		}
		ts = ts.In(loc)
	}
	return &Result{
		Success:    true,
		Output:     ts.Format(time.RFC3339),
		DurationMs: elapsed(start),
	}, nil
}

func (t *CurrentTimeTool) DryRun(ctx context.Context, input json.RawMessage, ec *ExecutionContext) (*Result, error) {
	return t.Execute(ctx, input, ec)
}

// MemorySearcher is the slice of the memory manager the search tool needs.
type MemorySearcher interface {
	RetrieveMemories(ctx context.Context, projectID, query string, topK int) ([]*models.MemoryEntry, error)
}

// MemorySearchTool lets the agent query its own long-term memory.
type MemorySearchTool struct {
	Searcher MemorySearcher
}

func (t *MemorySearchTool) ID() string                  { return "memory_search" }
func (t *MemorySearchTool) Name() string                { return "Memory Search" }
func (t *MemorySearchTool) Category() Category          { return CategoryMemory }
func (t *MemorySearchTool) RiskLevel() models.RiskLevel { return models.RiskLow }
func (t *MemorySearchTool) RequiresApproval() bool      { return false }
func (t *MemorySearchTool) SideEffects() bool           { return false }
func (t *MemorySearchTool) SupportsDryRun() bool        { return true }

func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for relevant past facts and events."
}

func (t *MemorySearchTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What to search for"},
			"topK": {"type": "integer", "minimum": 1, "maximum": 20}
		},
		"required": ["query"]
	}`)
}

func (t *MemorySearchTool) Execute(ctx context.Context, input json.RawMessage, ec *ExecutionContext) (*Result, error) {
	start := time.Now()
	var in struct {
		Query string `json:"query"`
		TopK  int    `json:"topK"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(start, "invalid input: "+err.Error()), nil
	}
	if in.TopK <= 0 {
		in.TopK = 5
	}
	if t.Searcher == nil {
		return errorResult(start, "long-term memory is not configured"), nil
	}

	entries, err := t.Searcher.RetrieveMemories(ctx, ec.ProjectID, in.Query, in.TopK)
	if err != nil {
		return errorResult(start, "memory search failed: "+err.Error()), nil
	}
	if len(entries) == 0 {
		return &Result{Success: true, Output: "No relevant memories found.", DurationMs: elapsed(start)}, nil
	}

	var b strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, e.Category, e.Content)
	}
	return &Result{
		Success:    true,
		Output:     strings.TrimRight(b.String(), "\n"),
		DurationMs: elapsed(start),
		Metadata:   map[string]any{"count": len(entries)},
	}, nil
}

func (t *MemorySearchTool) DryRun(ctx context.Context, input json.RawMessage, ec *ExecutionContext) (*Result, error) {
	return t.Execute(ctx, input, ec)
}
