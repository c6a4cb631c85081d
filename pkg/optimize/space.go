// Package optimize searches agent parameter spaces for configurations that
// maximize (or minimize) an evaluation metric: grid search, random search
// with Latin-Hypercube sampling, and a TPE-inspired Bayesian strategy.
package optimize

import (
	"fmt"
	"math"
	"math/rand"
)

// ParamType enumerates the supported parameter kinds.
type ParamType string

const (
	ParamFloat  ParamType = "float"
	ParamInt    ParamType = "int"
	ParamChoice ParamType = "choice"
	ParamBool   ParamType = "bool"
)

// Condition gates a parameter on another parameter's sampled value.
type Condition struct {
	Param  string `yaml:"param"`
	Equals any    `yaml:"equals"`
}

// Parameter describes one searchable dimension.
type Parameter struct {
	Name string    `yaml:"name"`
	Type ParamType `yaml:"type"`

	// Min/Max bound float and int parameters (inclusive).
	Min float64 `yaml:"min,omitempty"`
	Max float64 `yaml:"max,omitempty"`

	// Choices are the values of a choice parameter.
	Choices []any `yaml:"choices,omitempty"`

	// Step discretizes float/int parameters for grid search. Zero means
	// 10 grid steps for floats and 1 for ints.
	Step float64 `yaml:"step,omitempty"`

	// Log samples floats on a log scale.
	Log bool `yaml:"log,omitempty"`

	// Condition makes the parameter active only when another parameter
	// holds a specific value.
	Condition *Condition `yaml:"condition,omitempty"`
}

func (p *Parameter) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("configuration_error: parameter has no name")
	}
	switch p.Type {
	case ParamFloat, ParamInt:
		if p.Min >= p.Max {
			return fmt.Errorf("configuration_error: parameter %q needs min < max", p.Name)
		}
		if p.Log && p.Min <= 0 {
			return fmt.Errorf("configuration_error: log-scale parameter %q needs min > 0", p.Name)
		}
	case ParamChoice:
		if len(p.Choices) == 0 {
			return fmt.Errorf("configuration_error: choice parameter %q has no choices", p.Name)
		}
	case ParamBool:
	default:
		return fmt.Errorf("configuration_error: parameter %q has unknown type %q", p.Name, p.Type)
	}
	return nil
}

// gridValues enumerates the parameter's discrete grid.
func (p *Parameter) gridValues() []any {
	switch p.Type {
	case ParamBool:
		return []any{false, true}
	case ParamChoice:
		return append([]any(nil), p.Choices...)
	case ParamInt:
		step := p.Step
		if step <= 0 {
			step = 1
		}
		var out []any
		for v := p.Min; v <= p.Max+1e-9; v += step {
			out = append(out, int(math.Round(v)))
		}
		return out
	case ParamFloat:
		step := p.Step
		if step <= 0 {
			step = (p.Max - p.Min) / 9 // 10 grid points by default
		}
		var out []any
		for v := p.Min; v <= p.Max+1e-9; v += step {
			out = append(out, roundTo(v, 10))
		}
		return out
	}
	return nil
}

// sample maps a uniform [0,1) variate onto the parameter's domain. Callers
// stratify u for Latin-Hypercube sampling or pass rng.Float64() for plain
// random sampling.
func (p *Parameter) sample(u float64) any {
	switch p.Type {
	case ParamBool:
		return u >= 0.5
	case ParamChoice:
		i := int(u * float64(len(p.Choices)))
		if i >= len(p.Choices) {
			i = len(p.Choices) - 1
		}
		return p.Choices[i]
	case ParamInt:
		span := p.Max - p.Min + 1
		v := p.Min + math.Floor(u*span)
		if v > p.Max {
			v = p.Max
		}
		return int(v)
	case ParamFloat:
		if p.Log {
			lo, hi := math.Log(p.Min), math.Log(p.Max)
			return math.Exp(lo + u*(hi-lo))
		}
		return p.Min + u*(p.Max-p.Min)
	}
	return nil
}

// clamp forces a float into the parameter's range.
func (p *Parameter) clamp(v float64) float64 {
	if v < p.Min {
		return p.Min
	}
	if v > p.Max {
		return p.Max
	}
	return v
}

// active reports whether the parameter participates given already-sampled
// values.
func (p *Parameter) active(config map[string]any) bool {
	if p.Condition == nil {
		return true
	}
	got, ok := config[p.Condition.Param]
	return ok && fmt.Sprint(got) == fmt.Sprint(p.Condition.Equals)
}

// SearchSpace is an ordered list of parameters. Conditional parameters must
// appear after the parameter they depend on.
type SearchSpace struct {
	Params []Parameter `yaml:"parameters"`
}

func (s *SearchSpace) Validate() error {
	if len(s.Params) == 0 {
		return fmt.Errorf("configuration_error: search space has no parameters")
	}
	seen := make(map[string]int, len(s.Params))
	for i := range s.Params {
		p := &s.Params[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("configuration_error: duplicate parameter %q", p.Name)
		}
		seen[p.Name] = i
		if p.Condition != nil {
			j, ok := seen[p.Condition.Param]
			if !ok || j >= i {
				return fmt.Errorf("configuration_error: parameter %q conditions on %q which is not defined before it",
					p.Name, p.Condition.Param)
			}
		}
	}
	return nil
}

// Size returns the number of grid configurations, or -1 when any float
// parameter lacks a step (a continuous, effectively infinite space).
func (s *SearchSpace) Size() int {
	size := 1
	for i := range s.Params {
		p := &s.Params[i]
		if p.Type == ParamFloat && p.Step <= 0 {
			return -1
		}
		size *= len(p.gridValues())
	}
	return size
}

// Sample draws one full configuration uniformly at random, honoring
// conditions.
func (s *SearchSpace) Sample(rng *rand.Rand) map[string]any {
	config := make(map[string]any, len(s.Params))
	for i := range s.Params {
		p := &s.Params[i]
		if !p.active(config) {
			continue
		}
		config[p.Name] = p.sample(rng.Float64())
	}
	return config
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}
