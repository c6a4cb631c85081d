package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// Strategy selects the search algorithm.
type Strategy string

const (
	StrategyGrid     Strategy = "grid_search"
	StrategyRandom   Strategy = "random"
	StrategyBayesian Strategy = "bayesian"
)

// Objective scores one configuration. Returning an error records the trial
// with score 0 and continues the search.
type Objective func(ctx context.Context, config map[string]any) (score float64, metrics map[string]float64, err error)

// Trial is one executed configuration.
type Trial struct {
	Number   int                `json:"number"`
	Config   map[string]any     `json:"config"`
	Score    float64            `json:"score"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Duration time.Duration      `json:"duration"`
	Error    string             `json:"error,omitempty"`
}

// Result summarizes a finished search.
type Result struct {
	Best     Trial         `json:"best"`
	Trials   []Trial       `json:"trials"`
	Duration time.Duration `json:"duration"`
	Mean     float64       `json:"mean_score"`
	StdDev   float64       `json:"std_dev"`
}

// Config tunes the search.
type Config struct {
	Strategy Strategy

	// Trials bounds the number of executed configurations. Grid search
	// defaults to the full grid; random and bayesian default to 20.
	Trials int

	// Minimize flips the objective direction.
	Minimize bool

	// EarlyStop ends the search once a trial's objective reaches this
	// value. Nil disables early stopping.
	EarlyStop *float64

	// Timeout bounds the whole search. Zero means no bound.
	Timeout time.Duration

	// Parallelism bounds concurrently executing trials for grid and
	// random search; bayesian proposals are sequential.
	Parallelism int

	// Shuffle randomizes grid order.
	Shuffle bool

	// LHS enables Latin-Hypercube sampling for random search.
	LHS bool

	// NInitial is the bayesian Latin-Hypercube bootstrap size; defaults
	// to min(10, Trials).
	NInitial int

	// Gamma is the bayesian good/bad split quantile (default 0.25).
	Gamma float64

	// Seed fixes the random source; zero seeds from the clock.
	Seed int64

	Logger *slog.Logger
}

func (c *Config) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyBayesian
	}
	if c.Trials <= 0 && c.Strategy != StrategyGrid {
		c.Trials = 20
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.Gamma <= 0 || c.Gamma >= 1 {
		c.Gamma = 0.25
	}
	if c.NInitial <= 0 {
		c.NInitial = 10
	}
	if c.Trials > 0 && c.NInitial > c.Trials {
		c.NInitial = c.Trials
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Optimizer runs one search over a space.
type Optimizer struct {
	cfg   Config
	space *SearchSpace
	rng   *rand.Rand
}

func New(space *SearchSpace, cfg Config) (*Optimizer, error) {
	cfg.SetDefaults()
	if err := space.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case StrategyGrid, StrategyRandom, StrategyBayesian:
	default:
		return nil, fmt.Errorf("configuration_error: unknown strategy %q", cfg.Strategy)
	}
	return &Optimizer{
		cfg:   cfg,
		space: space,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Run executes the search and returns the best trial found.
func (o *Optimizer) Run(ctx context.Context, objective Objective) (*Result, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	var trials []Trial
	var err error

	switch o.cfg.Strategy {
	case StrategyGrid:
		trials, err = o.runBatch(ctx, objective, o.gridConfigs())
	case StrategyRandom:
		trials, err = o.runBatch(ctx, objective, o.randomConfigs())
	case StrategyBayesian:
		trials, err = o.runBayesian(ctx, objective)
	}
	if err != nil && len(trials) == 0 {
		return nil, err
	}
	if len(trials) == 0 {
		return nil, fmt.Errorf("no trials executed")
	}

	return o.summarize(trials, time.Since(start)), nil
}

// runBatch executes pre-generated configurations with bounded parallelism.
// Workers send finished trials over a channel to a single collector so the
// trial list is accumulated in one place.
func (o *Optimizer) runBatch(ctx context.Context, objective Objective, configs []map[string]any) ([]Trial, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan []Trial)
	results := make(chan Trial)
	go func() {
		var trials []Trial
		for trial := range results {
			trials = append(trials, trial)
			if o.stopEarly(trial) {
				cancel()
			}
		}
		done <- trials
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)
	for number, config := range configs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			trial := o.execute(gctx, objective, number, config)
			select {
			case results <- trial:
			case <-gctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	trials := <-done

	if len(trials) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return trials, nil
}

func (o *Optimizer) runBayesian(ctx context.Context, objective Objective) ([]Trial, error) {
	sampler := newTPESampler(o.space, o.rng, o.cfg.Gamma, o.cfg.Minimize)

	initial := lhsConfigs(o.space, o.cfg.NInitial, o.rng)
	var trials []Trial

	for number := 0; number < o.cfg.Trials; number++ {
		if ctx.Err() != nil {
			break
		}
		var config map[string]any
		if number < len(initial) {
			config = initial[number]
		} else {
			config = sampler.propose(trials)
		}

		trial := o.execute(ctx, objective, number, config)
		trials = append(trials, trial)
		if o.stopEarly(trial) {
			break
		}
	}
	if len(trials) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return trials, nil
}

func (o *Optimizer) execute(ctx context.Context, objective Objective, number int, config map[string]any) Trial {
	trial := Trial{Number: number, Config: config}
	start := time.Now()
	score, metrics, err := objective(ctx, config)
	trial.Duration = time.Since(start)
	if err != nil {
		trial.Error = err.Error()
		trial.Score = 0
		o.cfg.Logger.Warn("trial failed", "trial", number, "error", err)
		return trial
	}
	trial.Score = score
	trial.Metrics = metrics
	return trial
}

func (o *Optimizer) stopEarly(trial Trial) bool {
	if o.cfg.EarlyStop == nil || trial.Error != "" {
		return false
	}
	if o.cfg.Minimize {
		return trial.Score <= *o.cfg.EarlyStop
	}
	return trial.Score >= *o.cfg.EarlyStop
}

func (o *Optimizer) better(a, b float64) bool {
	if o.cfg.Minimize {
		return a < b
	}
	return a > b
}

func (o *Optimizer) summarize(trials []Trial, duration time.Duration) *Result {
	best := trials[0]
	sum := 0.0
	for _, t := range trials {
		sum += t.Score
		if t.Error == "" && (best.Error != "" || o.better(t.Score, best.Score)) {
			best = t
		}
	}
	mean := sum / float64(len(trials))

	variance := 0.0
	for _, t := range trials {
		d := t.Score - mean
		variance += d * d
	}
	variance /= float64(len(trials))

	return &Result{
		Best:     best,
		Trials:   trials,
		Duration: duration,
		Mean:     mean,
		StdDev:   math.Sqrt(variance),
	}
}

// gridConfigs enumerates the Cartesian product of every parameter's grid,
// dropping values of inactive conditional parameters.
func (o *Optimizer) gridConfigs() []map[string]any {
	configs := []map[string]any{{}}
	for i := range o.space.Params {
		p := &o.space.Params[i]
		values := p.gridValues()
		var next []map[string]any
		for _, base := range configs {
			if !p.active(base) {
				next = append(next, base)
				continue
			}
			for _, v := range values {
				config := make(map[string]any, len(base)+1)
				for k, bv := range base {
					config[k] = bv
				}
				config[p.Name] = v
				next = append(next, config)
			}
		}
		configs = next
	}

	if o.cfg.Shuffle {
		o.rng.Shuffle(len(configs), func(i, j int) {
			configs[i], configs[j] = configs[j], configs[i]
		})
	}
	if o.cfg.Trials > 0 && len(configs) > o.cfg.Trials {
		configs = configs[:o.cfg.Trials]
	}
	return configs
}

func (o *Optimizer) randomConfigs() []map[string]any {
	if o.cfg.LHS {
		return lhsConfigs(o.space, o.cfg.Trials, o.rng)
	}
	configs := make([]map[string]any, o.cfg.Trials)
	for i := range configs {
		configs[i] = o.space.Sample(o.rng)
	}
	return configs
}

// lhsConfigs draws n Latin-Hypercube samples: each parameter's [0,1) range
// is split into n equal intervals, one draw per interval, with the interval
// order shuffled independently per parameter.
func lhsConfigs(space *SearchSpace, n int, rng *rand.Rand) []map[string]any {
	if n <= 0 {
		return nil
	}
	strata := make(map[string][]float64, len(space.Params))
	for i := range space.Params {
		p := &space.Params[i]
		us := make([]float64, n)
		for k := 0; k < n; k++ {
			us[k] = (float64(k) + rng.Float64()) / float64(n)
		}
		rng.Shuffle(n, func(a, b int) { us[a], us[b] = us[b], us[a] })
		strata[p.Name] = us
	}

	configs := make([]map[string]any, n)
	for k := 0; k < n; k++ {
		config := make(map[string]any, len(space.Params))
		for i := range space.Params {
			p := &space.Params[i]
			if !p.active(config) {
				continue
			}
			config[p.Name] = p.sample(strata[p.Name][k])
		}
		configs[k] = config
	}
	return configs
}
