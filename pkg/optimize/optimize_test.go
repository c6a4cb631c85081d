package optimize

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/pkg/eval"
	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/protocol"
)

func floatSpace(name string, min, max float64) *SearchSpace {
	return &SearchSpace{Params: []Parameter{
		{Name: name, Type: ParamFloat, Min: min, Max: max},
	}}
}

func TestParameterValidate(t *testing.T) {
	bad := Parameter{Name: "t", Type: ParamFloat, Min: 1, Max: 0}
	require.Error(t, bad.Validate())

	noChoices := Parameter{Name: "m", Type: ParamChoice}
	require.Error(t, noChoices.Validate())

	logNeg := Parameter{Name: "lr", Type: ParamFloat, Min: 0, Max: 1, Log: true}
	require.Error(t, logNeg.Validate())

	ok := Parameter{Name: "t", Type: ParamFloat, Min: 0, Max: 1}
	require.NoError(t, ok.Validate())
}

func TestSearchSpaceValidate(t *testing.T) {
	dup := &SearchSpace{Params: []Parameter{
		{Name: "a", Type: ParamBool},
		{Name: "a", Type: ParamBool},
	}}
	require.Error(t, dup.Validate())

	// A condition must reference a parameter defined earlier.
	forward := &SearchSpace{Params: []Parameter{
		{Name: "a", Type: ParamBool, Condition: &Condition{Param: "b", Equals: true}},
		{Name: "b", Type: ParamBool},
	}}
	require.Error(t, forward.Validate())

	ok := &SearchSpace{Params: []Parameter{
		{Name: "b", Type: ParamBool},
		{Name: "a", Type: ParamBool, Condition: &Condition{Param: "b", Equals: true}},
	}}
	require.NoError(t, ok.Validate())
}

func TestSearchSpaceSize(t *testing.T) {
	continuous := floatSpace("temperature", 0, 1)
	assert.Equal(t, -1, continuous.Size())

	discrete := &SearchSpace{Params: []Parameter{
		{Name: "temperature", Type: ParamFloat, Min: 0, Max: 1, Step: 0.5},
		{Name: "strategy", Type: ParamChoice, Choices: []any{"basic", "react"}},
		{Name: "verbose", Type: ParamBool},
	}}
	// 3 temperatures x 2 strategies x 2 bools.
	assert.Equal(t, 12, discrete.Size())
}

func TestGridSearchEnumeratesProduct(t *testing.T) {
	space := &SearchSpace{Params: []Parameter{
		{Name: "n", Type: ParamInt, Min: 1, Max: 3},
		{Name: "flag", Type: ParamBool},
	}}
	o, err := New(space, Config{Strategy: StrategyGrid, Seed: 1})
	require.NoError(t, err)

	var seen []map[string]any
	result, err := o.Run(context.Background(), func(_ context.Context, cfg map[string]any) (float64, map[string]float64, error) {
		seen = append(seen, cfg)
		return float64(cfg["n"].(int)), nil, nil
	})
	require.NoError(t, err)

	assert.Len(t, seen, 6)
	assert.Len(t, result.Trials, 6)
	assert.Equal(t, 3, result.Best.Config["n"])
}

func TestGridSearchMaxTrials(t *testing.T) {
	space := &SearchSpace{Params: []Parameter{
		{Name: "n", Type: ParamInt, Min: 1, Max: 10},
	}}
	o, err := New(space, Config{Strategy: StrategyGrid, Trials: 4, Seed: 1})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), constantObjective(0.5))
	require.NoError(t, err)
	assert.Len(t, result.Trials, 4)
}

func TestRandomSearchCount(t *testing.T) {
	o, err := New(floatSpace("temperature", 0, 1), Config{Strategy: StrategyRandom, Trials: 7, Seed: 3})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), constantObjective(0.5))
	require.NoError(t, err)
	assert.Len(t, result.Trials, 7)
	for _, trial := range result.Trials {
		v := trial.Config["temperature"].(float64)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestLatinHypercubeStratifies(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	configs := lhsConfigs(floatSpace("temperature", 0, 1), 10, rng)
	require.Len(t, configs, 10)

	// One sample per tenth of the range.
	buckets := make(map[int]bool)
	for _, cfg := range configs {
		v := cfg["temperature"].(float64)
		b := int(v * 10)
		if b == 10 {
			b = 9
		}
		assert.False(t, buckets[b], "bucket %d sampled twice", b)
		buckets[b] = true
	}
	assert.Len(t, buckets, 10)
}

func TestEarlyStop(t *testing.T) {
	threshold := 0.5
	o, err := New(floatSpace("temperature", 0, 1), Config{
		Strategy:  StrategyRandom,
		Trials:    50,
		EarlyStop: &threshold,
		Seed:      7,
	})
	require.NoError(t, err)

	calls := 0
	result, err := o.Run(context.Background(), func(context.Context, map[string]any) (float64, map[string]float64, error) {
		calls++
		return 0.9, nil, nil
	})
	require.NoError(t, err)
	assert.Less(t, len(result.Trials), 50)
	assert.GreaterOrEqual(t, result.Best.Score, threshold)
}

func TestErroredTrialScoresZeroAndContinues(t *testing.T) {
	o, err := New(floatSpace("temperature", 0, 1), Config{Strategy: StrategyRandom, Trials: 4, Seed: 9})
	require.NoError(t, err)

	calls := 0
	result, err := o.Run(context.Background(), func(context.Context, map[string]any) (float64, map[string]float64, error) {
		calls++
		if calls == 1 {
			return 0, nil, errors.New("provider exploded")
		}
		return 0.8, nil, nil
	})
	require.NoError(t, err)

	require.Len(t, result.Trials, 4)
	failed := 0
	for _, trial := range result.Trials {
		if trial.Error != "" {
			failed++
			assert.Zero(t, trial.Score)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Empty(t, result.Best.Error)
}

func TestMinimizeSelectsLowest(t *testing.T) {
	space := &SearchSpace{Params: []Parameter{
		{Name: "n", Type: ParamInt, Min: 1, Max: 5},
	}}
	o, err := New(space, Config{Strategy: StrategyGrid, Minimize: true, Seed: 1})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), func(_ context.Context, cfg map[string]any) (float64, map[string]float64, error) {
		return float64(cfg["n"].(int)), nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Best.Config["n"])
	assert.Equal(t, 1.0, result.Best.Score)
}

func TestBayesianConverges(t *testing.T) {
	o, err := New(floatSpace("temperature", 0, 1), Config{
		Strategy: StrategyBayesian,
		Trials:   20,
		NInitial: 10,
		Seed:     42,
	})
	require.NoError(t, err)

	result, err := o.Run(context.Background(), func(_ context.Context, cfg map[string]any) (float64, map[string]float64, error) {
		temp := cfg["temperature"].(float64)
		return 1 - math.Abs(temp-0.3), nil, nil
	})
	require.NoError(t, err)

	require.Len(t, result.Trials, 20)
	assert.GreaterOrEqual(t, result.Best.Score, 0.9)
	best := result.Best.Config["temperature"].(float64)
	assert.GreaterOrEqual(t, best, 0.2)
	assert.LessOrEqual(t, best, 0.4)
	assert.Greater(t, result.StdDev, 0.0)
}

func TestConditionalParameterSampling(t *testing.T) {
	space := &SearchSpace{Params: []Parameter{
		{Name: "strategy", Type: ParamChoice, Choices: []any{"basic", "react"}},
		{Name: "plan_depth", Type: ParamInt, Min: 1, Max: 3,
			Condition: &Condition{Param: "strategy", Equals: "react"}},
	}}
	require.NoError(t, space.Validate())

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 20; i++ {
		cfg := space.Sample(rng)
		_, hasDepth := cfg["plan_depth"]
		if cfg["strategy"] == "react" {
			assert.True(t, hasDepth)
		} else {
			assert.False(t, hasDepth)
		}
	}
}

func TestLoadSpace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
parameters:
  - name: temperature
    type: float
    min: 0.0
    max: 1.0
  - name: strategy
    type: choice
    choices: [basic, react]
`), 0o644))

	space, err := LoadSpace(path)
	require.NoError(t, err)
	require.Len(t, space.Params, 2)
	assert.Equal(t, ParamFloat, space.Params[0].Type)
	assert.Equal(t, []any{"basic", "react"}, space.Params[1].Choices)
}

// echoProvider answers with the last user message's text.
type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Request(_ context.Context, messages []protocol.Message, _ llms.RequestSettings) (*llms.Response, error) {
	text := ""
	for _, m := range messages {
		if m.Role == protocol.RoleUser {
			text = m.Text()
		}
	}
	return &llms.Response{
		Message:      protocol.NewAssistantMessage(protocol.TextPart(text)),
		Usage:        protocol.Usage{Requests: 1, TotalTokens: 5},
		FinishReason: "stop",
	}, nil
}

func (echoProvider) RequestStream(context.Context, []protocol.Message, llms.RequestSettings) (<-chan llms.StreamEvent, error) {
	return nil, errors.New("not implemented")
}

func TestSuiteObjective(t *testing.T) {
	suite := &eval.Suite{
		Name:  "echo",
		Cases: []eval.Case{{ID: "a", Input: "hello", Expected: "hello"}},
	}

	objective, err := SuiteObjective(suite, MetricPassRate, eval.WithProvider(echoProvider{}))
	require.NoError(t, err)

	score, metrics, err := objective(context.Background(), map[string]any{
		"temperature": 0.7,
		"model":       "openai:gpt-4o-mini",
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, 1.0, metrics[string(MetricScore)])
	assert.Equal(t, 5.0, metrics[string(MetricTotalTokens)])
}

func TestSuiteObjectiveUnknownMetric(t *testing.T) {
	_, err := SuiteObjective(&eval.Suite{}, "nope")
	require.Error(t, err)
}

func constantObjective(score float64) Objective {
	return func(context.Context, map[string]any) (float64, map[string]float64, error) {
		return score, nil, nil
	}
}
