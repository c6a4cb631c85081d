package optimize

import (
	"context"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/strandkit/strand/pkg/config"
	"github.com/strandkit/strand/pkg/eval"
	"github.com/strandkit/strand/pkg/model"
)

// Metric names a value extracted from a suite result.
type Metric string

const (
	MetricScore       Metric = "score"
	MetricPassRate    Metric = "pass_rate"
	MetricLatencyP50  Metric = "latency_p50"
	MetricLatencyP95  Metric = "latency_p95"
	MetricLatencyP99  Metric = "latency_p99"
	MetricTotalTokens Metric = "total_tokens"
	MetricCost        Metric = "cost"
)

// trialConfigKeys that are agent overrides rather than model settings.
const (
	keyModel        = "model"
	keyInstructions = "instructions"
)

// SuiteObjective builds an Objective that runs the suite once per trial:
// the trial config's "model" and "instructions" keys override the suite
// defaults, every other key is overlaid as a model setting (temperature,
// top_p, max_tokens, ...), and the chosen metric of the aggregate result
// becomes the trial score.
func SuiteObjective(suite *eval.Suite, metric Metric, baseOpts ...eval.RunnerOption) (Objective, error) {
	switch metric {
	case MetricScore, MetricPassRate, MetricLatencyP50, MetricLatencyP95,
		MetricLatencyP99, MetricTotalTokens, MetricCost:
	default:
		return nil, fmt.Errorf("configuration_error: unknown metric %q", metric)
	}

	return func(ctx context.Context, trialConfig map[string]any) (float64, map[string]float64, error) {
		opts := append([]eval.RunnerOption(nil), baseOpts...)

		settings := make(map[string]any, len(trialConfig))
		for k, v := range trialConfig {
			switch k {
			case keyModel:
				opts = append(opts, eval.WithModel(fmt.Sprint(v)))
			case keyInstructions:
				opts = append(opts, eval.WithInstructions(fmt.Sprint(v)))
			default:
				settings[k] = v
			}
		}
		if len(settings) > 0 {
			var s model.Settings
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				Result:           &s,
				WeaklyTypedInput: true,
				TagName:          "yaml",
			})
			if err != nil {
				return 0, nil, err
			}
			if err := decoder.Decode(settings); err != nil {
				return 0, nil, fmt.Errorf("configuration_error: bad trial settings: %w", err)
			}
			opts = append(opts, eval.WithSettings(s))
		}

		result, err := eval.NewRunner(opts...).Run(ctx, suite)
		if err != nil {
			return 0, nil, err
		}

		metrics := suiteMetrics(result)
		return metrics[string(metric)], metrics, nil
	}, nil
}

func suiteMetrics(sr *eval.SuiteResult) map[string]float64 {
	return map[string]float64{
		string(MetricScore):       sr.Score,
		string(MetricPassRate):    sr.PassRate,
		string(MetricLatencyP50):  sr.P50.Seconds(),
		string(MetricLatencyP95):  sr.P95.Seconds(),
		string(MetricLatencyP99):  sr.P99.Seconds(),
		string(MetricTotalTokens): float64(sr.Tokens),
		string(MetricCost):        sr.Cost,
	}
}

// LoadSpace reads a search-space YAML file:
//
//	parameters:
//	  - name: temperature
//	    type: float
//	    min: 0.0
//	    max: 1.0
func LoadSpace(path string) (*SearchSpace, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading search space %s: %w", path, err)
	}
	var space SearchSpace
	if err := yaml.Unmarshal([]byte(config.ExpandEnv(string(raw))), &space); err != nil {
		return nil, fmt.Errorf("parsing search space %s: %w", path, err)
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	return &space, nil
}

// DefaultSpace is the space searched when no --params file is given: the
// universally available sampling knobs.
func DefaultSpace() *SearchSpace {
	return &SearchSpace{Params: []Parameter{
		{Name: "temperature", Type: ParamFloat, Min: 0.0, Max: 1.0},
		{Name: "top_p", Type: ParamFloat, Min: 0.1, Max: 1.0},
	}}
}
