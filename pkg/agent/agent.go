// Package agent contains the run loop that drives a model, a reasoning
// strategy, and a tool executor to completion: iteration bounds, usage
// limits, structured output validation, and telemetry around every run.
package agent

import (
	"time"

	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/model"
	"github.com/strandkit/strand/pkg/reasoning"
	"github.com/strandkit/strand/pkg/structured"
	"github.com/strandkit/strand/pkg/tools"
)

// EndStrategy decides what happens to tool calls remaining in a response
// after the run's final output is already captured.
type EndStrategy string

const (
	// EndEarly stops as soon as the final output is known, skipping any
	// remaining tool calls in the same response.
	EndEarly EndStrategy = "early"
	// EndExhaustive executes every pending tool call before stopping.
	EndExhaustive EndStrategy = "exhaustive"
)

// UsageLimits bound a run. Zero means unlimited.
type UsageLimits struct {
	MaxTokens    int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxRequests  int `yaml:"max_requests,omitempty" json:"max_requests,omitempty"`
	MaxToolCalls int `yaml:"max_tool_calls,omitempty" json:"max_tool_calls,omitempty"`
}

// Config declares an agent. Zero values get defaults from SetDefaults.
type Config struct {
	Name string

	// Model is a "provider:model" spec.
	Model        string
	ModelOptions []model.Option

	// Provider overrides the adapter resolved from Model; used to inject
	// fakes in tests and custom backends.
	Provider llms.Provider

	Instructions     string
	InstructionsFunc func(deps map[string]any) string

	Tools []*tools.Tool

	// Strategy selects the reasoning strategy ("basic" or "react").
	Strategy string

	Settings model.Settings

	// MaxIterations bounds request/tool-execution rounds per run.
	MaxIterations int

	// RequestRetries re-issues a provider request whose transport retries
	// were exhausted (rate limits, transient server errors).
	RequestRetries int

	// ToolTimeout is the executor default for tools without their own.
	ToolTimeout time.Duration

	EndStrategy EndStrategy

	// Output requests structured output.
	Output *structured.Output

	Limits UsageLimits
}

func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "agent"
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.EndStrategy == "" {
		c.EndStrategy = EndEarly
	}
}

func (c *Config) Validate() error {
	if c.Model == "" && c.Provider == nil {
		return newError(CodeConfiguration, "agent %q has no model", c.Name)
	}
	seen := make(map[string]bool, len(c.Tools))
	for _, t := range c.Tools {
		if t == nil || t.Name == "" {
			return newError(CodeConfiguration, "agent %q has a tool without a name", c.Name)
		}
		if seen[t.Name] {
			return newError(CodeConfiguration, "agent %q has duplicate tool %q", c.Name, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Agent is a ready-to-run configuration: resolved model, adapter, strategy,
// tool registry and executor, and structured output request.
type Agent struct {
	cfg      Config
	model    *model.Model
	provider llms.Provider
	spec     *reasoning.AgentSpec
	strategy reasoning.Strategy
	registry *tools.Registry
	executor *tools.Executor
	output   *structured.Request
}

// New builds an agent from its configuration.
func New(cfg Config) (*Agent, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{cfg: cfg}

	if cfg.Model != "" {
		m, err := model.Parse(cfg.Model, cfg.ModelOptions...)
		if err != nil {
			return nil, &Error{Code: CodeConfiguration, Message: "invalid model spec", Err: err}
		}
		a.model = m
	}

	a.provider = cfg.Provider
	if a.provider == nil {
		provider, err := llms.ForModel(a.model)
		if err != nil {
			return nil, &Error{Code: CodeConfiguration, Message: "unresolvable provider", Err: err}
		}
		a.provider = provider
	}

	configured := tools.NewRegistry()
	for _, t := range cfg.Tools {
		if err := configured.Register(t); err != nil {
			return nil, &Error{Code: CodeConfiguration, Message: "tool registration failed", Err: err}
		}
	}

	a.spec = &reasoning.AgentSpec{
		Name:             cfg.Name,
		Instructions:     cfg.Instructions,
		InstructionsFunc: cfg.InstructionsFunc,
		Registry:         configured,
	}
	a.strategy = reasoning.ForName(cfg.Strategy)

	// The run registry holds the strategy's full tool surface, synthetic
	// tools included.
	a.registry = tools.NewRegistry()
	for _, t := range a.strategy.Tools(a.spec) {
		if err := a.registry.Register(t); err != nil {
			return nil, &Error{Code: CodeConfiguration, Message: "tool registration failed", Err: err}
		}
	}
	a.executor = tools.NewExecutor(a.registry, tools.WithDefaultTimeout(cfg.ToolTimeout))

	if cfg.Output != nil {
		if a.model == nil {
			return nil, newError(CodeConfiguration, "structured output requires a model spec")
		}
		req, err := cfg.Output.Resolve(a.model)
		if err != nil {
			return nil, &Error{Code: CodeConfiguration, Message: "structured output", Err: err}
		}
		a.output = req
	}

	return a, nil
}

// Name returns the configured agent name.
func (a *Agent) Name() string {
	return a.cfg.Name
}

// Model returns the parsed model, or nil when only a provider was injected.
func (a *Agent) Model() *model.Model {
	return a.model
}

func (a *Agent) modelString() string {
	if a.model != nil {
		return a.model.String()
	}
	return a.provider.Name()
}
