package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	jsv "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/strandkit/strand/pkg/agent"
	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/structured"
)

// ExactMatch passes when the output equals the expectation after trimming
// surrounding whitespace.
type ExactMatch struct{}

func (*ExactMatch) Name() string { return "exact_match" }

func (*ExactMatch) Evaluate(_ context.Context, sample Sample) (Result, error) {
	actual := strings.TrimSpace(sample.Actual)
	expected := strings.TrimSpace(sample.Expected)
	if actual == expected {
		return Result{Passed: true, Score: 1}, nil
	}
	return Result{
		Passed: false,
		Score:  0,
		Reason: fmt.Sprintf("expected %q, got %q", truncate(expected, 120), truncate(actual, 120)),
	}, nil
}

// FuzzyMatch passes when Jaro-Winkler similarity reaches the threshold.
// Score is the similarity itself.
type FuzzyMatch struct {
	Threshold     float64 `mapstructure:"threshold"`
	CaseSensitive bool    `mapstructure:"case_sensitive"`
}

func (*FuzzyMatch) Name() string { return "fuzzy_match" }

func (e *FuzzyMatch) Evaluate(_ context.Context, sample Sample) (Result, error) {
	actual := strings.TrimSpace(sample.Actual)
	expected := strings.TrimSpace(sample.Expected)
	if !e.CaseSensitive {
		actual = strings.ToLower(actual)
		expected = strings.ToLower(expected)
	}

	similarity := jaroWinkler(actual, expected)
	result := Result{
		Passed:  similarity >= e.Threshold,
		Score:   similarity,
		Details: map[string]any{"similarity": similarity, "threshold": e.Threshold},
	}
	if !result.Passed {
		result.Reason = fmt.Sprintf("similarity %.3f below threshold %.3f", similarity, e.Threshold)
	}
	return result, nil
}

// Contains checks substring and regex presence. Mode "all" (default)
// requires every substring; "any" requires at least one. Regex patterns
// must all match in either mode. Score is the fraction of checks satisfied.
type Contains struct {
	Values        []string `mapstructure:"values"`
	Mode          string   `mapstructure:"mode"`
	Patterns      []string `mapstructure:"patterns"`
	CaseSensitive bool     `mapstructure:"case_sensitive"`
}

func (*Contains) Name() string { return "contains" }

func (e *Contains) Evaluate(_ context.Context, sample Sample) (Result, error) {
	if len(e.Values) == 0 && len(e.Patterns) == 0 {
		return Result{}, fmt.Errorf("configuration_error: contains evaluator needs values or patterns")
	}

	haystack := sample.Actual
	checked := 0
	matched := 0
	var missing []string

	for _, v := range e.Values {
		checked++
		target, needle := haystack, v
		if !e.CaseSensitive {
			target = strings.ToLower(target)
			needle = strings.ToLower(needle)
		}
		if strings.Contains(target, needle) {
			matched++
		} else {
			missing = append(missing, fmt.Sprintf("substring %q", v))
		}
	}

	substringsOK := true
	if len(e.Values) > 0 {
		if e.Mode == "any" {
			substringsOK = matched > 0
		} else {
			substringsOK = matched == len(e.Values)
		}
	}

	patternsOK := true
	for _, p := range e.Patterns {
		checked++
		re, err := regexp.Compile(p)
		if err != nil {
			return Result{}, fmt.Errorf("configuration_error: bad pattern %q: %w", p, err)
		}
		if re.MatchString(haystack) {
			matched++
		} else {
			patternsOK = false
			missing = append(missing, fmt.Sprintf("pattern %q", p))
		}
	}

	result := Result{
		Passed: substringsOK && patternsOK,
		Score:  float64(matched) / float64(checked),
	}
	if !result.Passed {
		result.Reason = "missing: " + strings.Join(missing, ", ")
	}
	return result, nil
}

// ToolUsage verifies the run's tool-call behavior: required tools were
// called, forbidden tools were not, call counts match, and expected
// arguments appear in the corresponding calls.
type ToolUsage struct {
	ToolsCalled    []string                  `mapstructure:"tools_called"`
	ToolsNotCalled []string                  `mapstructure:"tools_not_called"`
	CallCount      map[string]int            `mapstructure:"call_count"`
	ArgsContain    map[string]map[string]any `mapstructure:"args_contain"`
}

func (*ToolUsage) Name() string { return "tool_usage" }

func (e *ToolUsage) Evaluate(_ context.Context, sample Sample) (Result, error) {
	calls := collectToolCalls(sample.Run)

	counts := make(map[string]int)
	argsByTool := make(map[string][]map[string]any)
	for _, call := range calls {
		counts[call.Name]++
		argsByTool[call.Name] = append(argsByTool[call.Name], call.Arguments)
	}

	checked := 0
	failed := 0
	var reasons []string

	for _, name := range e.ToolsCalled {
		checked++
		if counts[name] == 0 {
			failed++
			reasons = append(reasons, fmt.Sprintf("tool %q was not called", name))
		}
	}
	for _, name := range e.ToolsNotCalled {
		checked++
		if counts[name] > 0 {
			failed++
			reasons = append(reasons, fmt.Sprintf("tool %q was called %d times", name, counts[name]))
		}
	}
	for name, want := range e.CallCount {
		checked++
		if counts[name] != want {
			failed++
			reasons = append(reasons, fmt.Sprintf("tool %q called %d times, want %d", name, counts[name], want))
		}
	}
	for name, want := range e.ArgsContain {
		checked++
		if !anyCallContains(argsByTool[name], want) {
			failed++
			reasons = append(reasons, fmt.Sprintf("no call to %q contained expected arguments", name))
		}
	}

	if checked == 0 {
		return Result{}, fmt.Errorf("configuration_error: tool_usage evaluator has no expectations")
	}

	result := Result{
		Passed:  failed == 0,
		Score:   float64(checked-failed) / float64(checked),
		Details: map[string]any{"call_counts": counts},
	}
	if failed > 0 {
		result.Reason = strings.Join(reasons, "; ")
	}
	return result, nil
}

func collectToolCalls(run *agent.RunResult) []protocol.ToolCall {
	if run == nil {
		return nil
	}
	var calls []protocol.ToolCall
	for _, msg := range run.NewMessages {
		if msg.Role != protocol.RoleAssistant {
			continue
		}
		calls = append(calls, msg.ToolCalls()...)
	}
	return calls
}

// anyCallContains reports whether at least one argument map carries every
// expected key with a deep-equal value.
func anyCallContains(calls []map[string]any, want map[string]any) bool {
	for _, args := range calls {
		if mapContains(args, want) {
			return true
		}
	}
	return false
}

func mapContains(args, want map[string]any) bool {
	for k, v := range want {
		got, ok := args[k]
		if !ok || !jsonEqual(got, v) {
			return false
		}
	}
	return true
}

// jsonEqual compares values after a JSON round-trip so that YAML ints and
// JSON floats compare equal.
func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	var va, vb any
	if json.Unmarshal(ja, &va) != nil || json.Unmarshal(jb, &vb) != nil {
		return false
	}
	return deepEqualJSON(va, vb)
}

func deepEqualJSON(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqualJSON(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	default:
		return a == b
	}
}

// Schema parses the output as JSON and validates it against a JSON schema.
type Schema struct {
	Schema map[string]any `mapstructure:"schema"`

	compiled *jsv.Schema
}

func (*Schema) Name() string { return "schema" }

func (e *Schema) Evaluate(_ context.Context, sample Sample) (Result, error) {
	if e.Schema == nil {
		return Result{}, fmt.Errorf("configuration_error: schema evaluator needs a schema")
	}
	if e.compiled == nil {
		compiled, err := compileSchema(e.Schema)
		if err != nil {
			return Result{}, fmt.Errorf("configuration_error: %w", err)
		}
		e.compiled = compiled
	}

	var value any
	if err := json.Unmarshal([]byte(strings.TrimSpace(sample.Actual)), &value); err != nil {
		return Result{Passed: false, Score: 0, Reason: "output is not valid JSON: " + err.Error()}, nil
	}
	if err := e.compiled.Validate(value); err != nil {
		return Result{Passed: false, Score: 0, Reason: "schema violation: " + err.Error()}, nil
	}
	return Result{Passed: true, Score: 1}, nil
}

func compileSchema(schema map[string]any) (*jsv.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsv.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	compiler := jsv.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// judgeVerdict is the structured output demanded from the judge agent.
type judgeVerdict struct {
	Score     float64 `json:"score" jsonschema:"minimum=0,maximum=1,description=Quality score between 0 and 1"`
	Reasoning string  `json:"reasoning" jsonschema:"description=Short justification for the score"`
}

// LLMJudge asks a separate judge agent to score the output against free-form
// criteria. The judge returns {score, reasoning} as structured output.
type LLMJudge struct {
	Model    string  `mapstructure:"model"`
	Criteria string  `mapstructure:"criteria"`
	MinScore float64 `mapstructure:"min_score"`

	// Provider overrides the judge's model adapter; used by tests and by the
	// runner's provider injection.
	Provider llms.Provider `mapstructure:"-"`
}

func (*LLMJudge) Name() string { return "llm_judge" }

const judgeInstructions = `You are an impartial evaluator. Score how well a response satisfies the given criteria. Be strict: reserve scores above 0.9 for responses with no meaningful flaws.`

func (e *LLMJudge) Evaluate(ctx context.Context, sample Sample) (Result, error) {
	if e.Criteria == "" {
		return Result{}, fmt.Errorf("configuration_error: llm_judge evaluator needs criteria")
	}
	if e.Model == "" && e.Provider == nil {
		return Result{}, fmt.Errorf("configuration_error: llm_judge evaluator needs a model")
	}

	judge, err := agent.New(agent.Config{
		Name:         "judge",
		Model:        e.Model,
		Provider:     e.Provider,
		Instructions: judgeInstructions,
		Output:       &structured.Output{Name: "verdict", Type: judgeVerdict{}},
	})
	if err != nil {
		return Result{}, err
	}

	var prompt strings.Builder
	prompt.WriteString("Criteria:\n")
	prompt.WriteString(e.Criteria)
	prompt.WriteString("\n\nInput:\n")
	prompt.WriteString(sample.Input)
	if sample.Expected != "" {
		prompt.WriteString("\n\nReference answer:\n")
		prompt.WriteString(sample.Expected)
	}
	prompt.WriteString("\n\nResponse to evaluate:\n")
	prompt.WriteString(sample.Actual)

	run, err := judge.Run(ctx, prompt.String())
	if err != nil {
		return Result{}, fmt.Errorf("judge run failed: %w", err)
	}

	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(run.Output), &verdict); err != nil {
		return Result{}, fmt.Errorf("judge returned unparseable verdict: %w", err)
	}

	return Result{
		Passed:  verdict.Score >= e.MinScore,
		Score:   verdict.Score,
		Reason:  verdict.Reasoning,
		Details: map[string]any{"min_score": e.MinScore},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
