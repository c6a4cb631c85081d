package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/strandkit/strand/pkg/agent"
	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/model"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/tools"
)

const retryBackoffUnit = 100 * time.Millisecond

// CaseResult is the outcome of one executed case, including retries.
type CaseResult struct {
	CaseID   string         `json:"case_id"`
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Score    float64        `json:"score"`
	Reason   string         `json:"reason,omitempty"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
	Attempts int            `json:"attempts"`
	Usage    protocol.Usage `json:"usage"`
	Cost     float64        `json:"cost,omitempty"`
}

// SuiteResult aggregates one suite execution. Per-case results are ordered
// by case id so permutations of execution order produce identical reports.
type SuiteResult struct {
	Suite    string        `json:"suite"`
	Results  []CaseResult  `json:"results"`
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	PassRate float64       `json:"pass_rate"`
	Score    float64       `json:"score"`
	P50      time.Duration `json:"latency_p50"`
	P95      time.Duration `json:"latency_p95"`
	P99      time.Duration `json:"latency_p99"`
	Tokens   int           `json:"total_tokens"`
	Cost     float64       `json:"cost,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Hook runs around a suite: setup returns deps passed to every case.
type (
	SetupFunc    func(ctx context.Context) (map[string]any, error)
	TeardownFunc func(ctx context.Context) error
)

// Runner executes suites against agents built per case.
type Runner struct {
	parallelism int
	timeout     time.Duration
	retryFailed int
	modelOverr  string
	instrOverr  string
	settings    model.Settings
	includeTags []string
	excludeTags []string
	toolset     map[string]*tools.Tool
	provider    llms.Provider
	setup       SetupFunc
	teardown    TeardownFunc
	pricing     PriceTable
	logger      *slog.Logger
}

type RunnerOption func(*Runner)

// WithParallelism overrides the suite's bounded concurrency.
func WithParallelism(n int) RunnerOption { return func(r *Runner) { r.parallelism = n } }

// WithTimeout overrides the per-case timeout.
func WithTimeout(d time.Duration) RunnerOption { return func(r *Runner) { r.timeout = d } }

// WithRetries overrides the suite's retry_failed count.
func WithRetries(n int) RunnerOption { return func(r *Runner) { r.retryFailed = n } }

// WithModel overrides the model for every case.
func WithModel(spec string) RunnerOption { return func(r *Runner) { r.modelOverr = spec } }

// WithInstructions overrides agent instructions for every case.
func WithInstructions(s string) RunnerOption { return func(r *Runner) { r.instrOverr = s } }

// WithSettings overlays model settings onto every case.
func WithSettings(s model.Settings) RunnerOption { return func(r *Runner) { r.settings = s } }

// WithTags filters cases by include/exclude tag lists.
func WithTags(include, exclude []string) RunnerOption {
	return func(r *Runner) { r.includeTags, r.excludeTags = include, exclude }
}

// WithTools registers tools cases may reference by name.
func WithTools(ts ...*tools.Tool) RunnerOption {
	return func(r *Runner) {
		for _, t := range ts {
			r.toolset[t.Name] = t
		}
	}
}

// WithProvider injects a provider adapter into every case's agent,
// bypassing model resolution. Used by tests and custom backends.
func WithProvider(p llms.Provider) RunnerOption { return func(r *Runner) { r.provider = p } }

// WithSetup registers a suite setup hook whose return becomes case deps.
func WithSetup(fn SetupFunc) RunnerOption { return func(r *Runner) { r.setup = fn } }

// WithTeardown registers a suite teardown hook.
func WithTeardown(fn TeardownFunc) RunnerOption { return func(r *Runner) { r.teardown = fn } }

// WithPricing supplies a per-model price table for cost aggregates.
func WithPricing(p PriceTable) RunnerOption { return func(r *Runner) { r.pricing = p } }

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		toolset: make(map[string]*tools.Tool),
		pricing: DefaultPriceTable,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one suite and aggregates the results. Case failures and
// timeouts are recorded on their results; only setup, teardown, and
// cancellation abort the suite.
func (r *Runner) Run(ctx context.Context, suite *Suite) (*SuiteResult, error) {
	suite.SetDefaults()
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	filtered := suite.Filter(r.includeTags, r.excludeTags)

	deps := map[string]any{}
	if r.setup != nil {
		d, err := r.setup(ctx)
		if err != nil {
			return nil, fmt.Errorf("suite setup failed: %w", err)
		}
		if d != nil {
			deps = d
		}
	}

	parallelism := filtered.Parallelism
	if r.parallelism > 0 {
		parallelism = r.parallelism
	}

	start := time.Now()
	results := make([]CaseResult, len(filtered.Cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	var mu sync.Mutex

	for i := range filtered.Cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result := r.runCase(gctx, filtered, &filtered.Cases[i], deps)
			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if r.teardown != nil {
		if err := r.teardown(ctx); err != nil {
			return nil, fmt.Errorf("suite teardown failed: %w", err)
		}
	}

	return aggregate(filtered.Name, results, time.Since(start)), nil
}

// RunAll executes several suites in order.
func (r *Runner) RunAll(ctx context.Context, suites []*Suite) ([]*SuiteResult, error) {
	out := make([]*SuiteResult, 0, len(suites))
	for _, suite := range suites {
		result, err := r.Run(ctx, suite)
		if err != nil {
			return out, err
		}
		out = append(out, result)
	}
	return out, nil
}

func (r *Runner) runCase(ctx context.Context, suite *Suite, c *Case, deps map[string]any) CaseResult {
	result := CaseResult{CaseID: c.ID, Name: c.Name}

	retries := suite.RetryFailed
	if r.retryFailed > 0 {
		retries = r.retryFailed
	}

	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * retryBackoffUnit
			select {
			case <-ctx.Done():
				result.Error = "execution_cancelled"
				result.Attempts = attempt
				return result
			case <-time.After(backoff):
			}
		}
		result.Attempts = attempt + 1

		err := r.attemptCase(ctx, suite, c, deps, &result)
		if err == nil {
			return result
		}
		lastErr = err
		r.logger.Debug("case attempt failed",
			"suite", suite.Name, "case", c.ID, "attempt", attempt+1, "error", err)
	}

	result.Passed = false
	result.Score = 0
	result.Error = errorLabel(lastErr)
	if result.Reason == "" {
		result.Reason = lastErr.Error()
	}
	return result
}

// attemptCase runs the agent once under the case timeout and evaluates the
// output. Evaluator verdicts (pass/fail) are not errors; only run or
// evaluator failures are.
func (r *Runner) attemptCase(ctx context.Context, suite *Suite, c *Case, deps map[string]any, result *CaseResult) error {
	cctx, cancel := context.WithTimeout(ctx, r.caseTimeout(c))
	defer cancel()

	a, err := r.buildAgent(suite, c)
	if err != nil {
		return err
	}

	run, err := a.Run(cctx, c.Input, agent.WithDeps(copyDeps(deps)))
	if err != nil {
		return err
	}

	result.Output = run.Output
	result.Usage = run.Usage
	result.Cost = r.pricing.Cost(r.caseModel(suite, c), run.Usage)

	evaluator, err := r.buildEvaluator(suite, c)
	if err != nil {
		return err
	}
	verdict, err := evaluator.Evaluate(cctx, Sample{
		Input:    c.Input,
		Actual:   run.Output,
		Expected: c.Expected,
		Run:      run,
	})
	if err != nil {
		return fmt.Errorf("evaluator %s: %w", evaluator.Name(), err)
	}

	result.Passed = verdict.Passed
	result.Score = verdict.Score
	result.Reason = verdict.Reason
	result.Error = ""
	return nil
}

func (r *Runner) caseTimeout(c *Case) time.Duration {
	if r.timeout > 0 {
		return r.timeout
	}
	return time.Duration(c.Timeout)
}

func (r *Runner) caseModel(suite *Suite, c *Case) string {
	if r.modelOverr != "" {
		return r.modelOverr
	}
	if c.AgentConfig != nil && c.AgentConfig.Model != "" {
		return c.AgentConfig.Model
	}
	return suite.DefaultModel
}

func (r *Runner) buildAgent(suite *Suite, c *Case) (*agent.Agent, error) {
	cfg := agent.Config{
		Name:         "eval:" + c.ID,
		Model:        r.caseModel(suite, c),
		Provider:     r.provider,
		Instructions: suite.DefaultInstructions,
		Settings:     r.settings,
	}
	if r.instrOverr != "" {
		cfg.Instructions = r.instrOverr
	}

	if c.AgentConfig != nil {
		ac := c.AgentConfig
		if ac.Instructions != "" && r.instrOverr == "" {
			cfg.Instructions = ac.Instructions
		}
		cfg.Strategy = ac.Strategy
		cfg.MaxIterations = ac.MaxIterations
		if len(ac.Settings) > 0 {
			var s model.Settings
			if err := decodeSettings(ac.Settings, &s); err != nil {
				return nil, err
			}
			cfg.Settings = s.Merge(r.settings)
		}
	}

	for _, name := range c.Tools {
		t, ok := r.toolset[name]
		if !ok {
			return nil, fmt.Errorf("configuration_error: case %q references unregistered tool %q", c.ID, name)
		}
		cfg.Tools = append(cfg.Tools, t)
	}

	return agent.New(cfg)
}

func (r *Runner) buildEvaluator(suite *Suite, c *Case) (Evaluator, error) {
	evaluator, err := New(c.EvalType, c.EvalConfig)
	if err != nil {
		return nil, err
	}
	// The judge agent inherits the suite model and provider injection
	// unless its config names its own.
	if judge, ok := evaluator.(*LLMJudge); ok {
		if judge.Model == "" {
			judge.Model = r.caseModel(suite, c)
		}
		if judge.Provider == nil {
			judge.Provider = r.provider
		}
	}
	return evaluator, nil
}

func decodeSettings(raw map[string]any, target *model.Settings) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "yaml",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("configuration_error: bad model settings: %w", err)
	}
	return nil
}

func copyDeps(deps map[string]any) map[string]any {
	out := make(map[string]any, len(deps))
	for k, v := range deps {
		out[k] = v
	}
	return out
}

func errorLabel(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var aerr *agent.Error
	if errors.As(err, &aerr) {
		return string(aerr.Code)
	}
	return err.Error()
}

func aggregate(name string, results []CaseResult, duration time.Duration) *SuiteResult {
	sort.Slice(results, func(i, j int) bool { return results[i].CaseID < results[j].CaseID })

	sr := &SuiteResult{
		Suite:    name,
		Results:  results,
		Total:    len(results),
		Duration: duration,
	}

	durations := make([]time.Duration, 0, len(results))
	scoreSum := 0.0
	for _, r := range results {
		if r.Passed {
			sr.Passed++
		}
		scoreSum += r.Score
		sr.Tokens += r.Usage.TotalTokens
		sr.Cost += r.Cost
		durations = append(durations, r.Duration)
	}
	sr.Failed = sr.Total - sr.Passed
	if sr.Total > 0 {
		sr.PassRate = float64(sr.Passed) / float64(sr.Total)
		sr.Score = scoreSum / float64(sr.Total)
	}
	sr.P50 = percentile(durations, 0.50)
	sr.P95 = percentile(durations, 0.95)
	sr.P99 = percentile(durations, 0.99)
	return sr
}

// percentile computes the nearest-rank percentile of a duration sample.
func percentile(durations []time.Duration, q float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Compare declares a winner between two runs of the same suite when the
// aggregate score difference exceeds 0.05, else "tie".
func Compare(a, b *SuiteResult) string {
	switch diff := a.Score - b.Score; {
	case diff > 0.05:
		return "a"
	case diff < -0.05:
		return "b"
	default:
		return "tie"
	}
}
