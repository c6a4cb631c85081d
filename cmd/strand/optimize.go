package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/strandkit/strand/pkg/eval"
	"github.com/strandkit/strand/pkg/optimize"
)

// OptimizeCmd searches agent parameters for the best suite metric.
type OptimizeCmd struct {
	Suite string `help:"Path to the suite file." type:"path" required:""`

	Strategy string `help:"Search strategy." default:"bayesian" enum:"grid_search,random,bayesian"`
	Trials   int    `help:"Number of trials." default:"20"`
	Metric   string `help:"Metric to optimize." default:"score" enum:"score,pass_rate,latency_p50,latency_p95,latency_p99,total_tokens,cost"`
	Minimize bool   `help:"Minimize the metric instead of maximizing."`

	Timeout   time.Duration `help:"Bound the whole search."`
	EarlyStop *float64      `name:"early-stop" help:"Stop once a trial reaches this metric value."`
	Params    string        `help:"Search-space YAML file (defaults to temperature and top_p)." type:"path"`
	Parallel  int           `help:"Concurrent trials for grid and random search." default:"1"`

	Output  string `help:"Write the full result JSON to a file." type:"path"`
	Verbose bool   `help:"Log at debug level during the search."`
	Quiet   bool   `help:"Print only the best configuration."`
}

func (c *OptimizeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	if c.Verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	suite, err := eval.Load(c.Suite)
	if err != nil {
		return err
	}

	space := optimize.DefaultSpace()
	if c.Params != "" {
		space, err = optimize.LoadSpace(c.Params)
		if err != nil {
			return err
		}
	}

	objective, err := optimize.SuiteObjective(suite, optimize.Metric(c.Metric))
	if err != nil {
		return err
	}

	optimizer, err := optimize.New(space, optimize.Config{
		Strategy:    optimize.Strategy(c.Strategy),
		Trials:      c.Trials,
		Minimize:    c.Minimize,
		EarlyStop:   c.EarlyStop,
		Timeout:     c.Timeout,
		Parallelism: c.Parallel,
	})
	if err != nil {
		return err
	}

	result, err := optimizer.Run(ctx, objective)
	if err != nil {
		return err
	}

	if c.Output != "" {
		raw, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(c.Output, raw, 0o644); err != nil {
			return fmt.Errorf("writing result file: %w", err)
		}
	}

	c.print(result)
	return nil
}

func (c *OptimizeCmd) print(result *optimize.Result) {
	best, _ := json.Marshal(result.Best.Config)
	if c.Quiet {
		fmt.Println(string(best))
		return
	}

	fmt.Printf("Best %s: %.4f (trial %d)\n", c.Metric, result.Best.Score, result.Best.Number)
	fmt.Printf("Best config: %s\n", best)
	fmt.Printf("Trials: %d in %s (mean %.4f, stddev %.4f)\n",
		len(result.Trials), result.Duration.Round(time.Millisecond), result.Mean, result.StdDev)

	failed := 0
	for _, trial := range result.Trials {
		if trial.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		fmt.Printf("Failed trials: %d\n", failed)
	}
}
