// Package eval runs YAML-defined evaluation suites against agents: built-in
// evaluators, bounded-parallel case execution, latency/token/cost
// aggregation, and A/B suite comparison.
package eval

import (
	"context"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/strandkit/strand/pkg/agent"
)

// Sample is what an evaluator judges: the case input, the agent's output,
// the expectation, and the full run for evaluators that inspect behavior.
type Sample struct {
	Input    string
	Actual   string
	Expected string
	Run      *agent.RunResult
}

// Result is one evaluator verdict. Score is always in [0,1].
type Result struct {
	Passed  bool           `json:"passed"`
	Score   float64        `json:"score"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Evaluator judges one sample.
type Evaluator interface {
	Evaluate(ctx context.Context, sample Sample) (Result, error)
	Name() string
}

// CustomFunc is a caller-supplied evaluator with the built-in signature.
type CustomFunc func(ctx context.Context, sample Sample) (Result, error)

var (
	customMu    sync.RWMutex
	customFuncs = map[string]CustomFunc{}
)

// RegisterCustom installs a custom evaluator usable from suite files as
// eval_type "custom" with eval_config {name: <name>}.
func RegisterCustom(name string, fn CustomFunc) {
	customMu.Lock()
	defer customMu.Unlock()
	customFuncs[name] = fn
}

// New builds a built-in evaluator from its suite-file type and config.
func New(evalType string, config map[string]any) (Evaluator, error) {
	switch evalType {
	case "exact_match", "":
		return &ExactMatch{}, nil

	case "fuzzy_match":
		e := &FuzzyMatch{Threshold: 0.8}
		if err := decodeConfig(config, e); err != nil {
			return nil, err
		}
		return e, nil

	case "contains":
		e := &Contains{}
		if err := decodeConfig(config, e); err != nil {
			return nil, err
		}
		return e, nil

	case "tool_usage":
		e := &ToolUsage{}
		if err := decodeConfig(config, e); err != nil {
			return nil, err
		}
		return e, nil

	case "schema":
		e := &Schema{}
		if err := decodeConfig(config, e); err != nil {
			return nil, err
		}
		return e, nil

	case "llm_judge":
		e := &LLMJudge{MinScore: 0.5}
		if err := decodeConfig(config, e); err != nil {
			return nil, err
		}
		return e, nil

	case "custom":
		var cfg struct {
			Name string `mapstructure:"name"`
		}
		if err := decodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		customMu.RLock()
		fn, ok := customFuncs[cfg.Name]
		customMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("configuration_error: no custom evaluator %q registered", cfg.Name)
		}
		return &custom{name: cfg.Name, fn: fn}, nil

	default:
		return nil, fmt.Errorf("configuration_error: unknown eval_type %q", evalType)
	}
}

func decodeConfig(config map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(config); err != nil {
		return fmt.Errorf("configuration_error: bad eval_config: %w", err)
	}
	return nil
}

type custom struct {
	name string
	fn   CustomFunc
}

func (c *custom) Name() string { return "custom:" + c.name }

func (c *custom) Evaluate(ctx context.Context, sample Sample) (Result, error) {
	return c.fn(ctx, sample)
}
