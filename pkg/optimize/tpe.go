package optimize

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// tpeSampler proposes configurations by splitting prior trials into a
// "good" quantile and the rest, then sampling each parameter near good
// values with probability pGood, otherwise resampling away from bad values.
type tpeSampler struct {
	space    *SearchSpace
	rng      *rand.Rand
	gamma    float64
	minimize bool
}

const (
	tpePGood      = 0.7
	tpeJitterFrac = 0.2
	tpeAvoidTries = 8
)

func newTPESampler(space *SearchSpace, rng *rand.Rand, gamma float64, minimize bool) *tpeSampler {
	return &tpeSampler{space: space, rng: rng, gamma: gamma, minimize: minimize}
}

func (s *tpeSampler) propose(history []Trial) map[string]any {
	good, bad := s.split(history)
	if len(good) == 0 {
		return s.space.Sample(s.rng)
	}

	config := make(map[string]any, len(s.space.Params))
	for i := range s.space.Params {
		p := &s.space.Params[i]
		if !p.active(config) {
			continue
		}
		if s.rng.Float64() < tpePGood {
			config[p.Name] = s.sampleNearGood(p, good)
		} else {
			config[p.Name] = s.sampleAvoidingBad(p, bad)
		}
	}
	return config
}

// split orders completed trials best-first and cuts at the gamma quantile.
func (s *tpeSampler) split(history []Trial) (good, bad []Trial) {
	completed := make([]Trial, 0, len(history))
	for _, t := range history {
		if t.Error == "" {
			completed = append(completed, t)
		}
	}
	if len(completed) == 0 {
		return nil, nil
	}

	sort.SliceStable(completed, func(i, j int) bool {
		if s.minimize {
			return completed[i].Score < completed[j].Score
		}
		return completed[i].Score > completed[j].Score
	})

	cut := int(math.Ceil(s.gamma * float64(len(completed))))
	if cut < 1 {
		cut = 1
	}
	return completed[:cut], completed[cut:]
}

// sampleNearGood draws a value from the good set and perturbs it: floats
// get Gaussian jitter of ±20% of the range, ints the same rounded, bools
// and choices take the most frequent good value (with a small chance of a
// fresh draw to keep exploring).
func (s *tpeSampler) sampleNearGood(p *Parameter, good []Trial) any {
	switch p.Type {
	case ParamFloat:
		base, ok := goodFloat(p.Name, good, s.rng)
		if !ok {
			return p.sample(s.rng.Float64())
		}
		jitter := s.rng.NormFloat64() * tpeJitterFrac * (p.Max - p.Min)
		return p.clamp(base + jitter)

	case ParamInt:
		base, ok := goodFloat(p.Name, good, s.rng)
		if !ok {
			return p.sample(s.rng.Float64())
		}
		jitter := s.rng.NormFloat64() * tpeJitterFrac * (p.Max - p.Min)
		return int(math.Round(p.clamp(base + jitter)))

	default:
		if s.rng.Float64() < 0.1 {
			return p.sample(s.rng.Float64())
		}
		if v, ok := mostFrequent(p.Name, good); ok {
			return v
		}
		return p.sample(s.rng.Float64())
	}
}

// sampleAvoidingBad redraws until the value is not one the bad set already
// holds, giving up after a few tries.
func (s *tpeSampler) sampleAvoidingBad(p *Parameter, bad []Trial) any {
	seen := make(map[string]bool, len(bad))
	for _, t := range bad {
		if v, ok := t.Config[p.Name]; ok {
			seen[keyOf(v)] = true
		}
	}
	var v any
	for try := 0; try < tpeAvoidTries; try++ {
		v = p.sample(s.rng.Float64())
		if !seen[keyOf(v)] {
			return v
		}
	}
	return v
}

func goodFloat(name string, good []Trial, rng *rand.Rand) (float64, bool) {
	var values []float64
	for _, t := range good {
		if v, ok := asFloat(t.Config[name]); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0, false
	}
	return values[rng.Intn(len(values))], true
}

func mostFrequent(name string, good []Trial) (any, bool) {
	counts := make(map[string]int)
	byKey := make(map[string]any)
	for _, t := range good {
		v, ok := t.Config[name]
		if !ok {
			continue
		}
		k := keyOf(v)
		counts[k]++
		byKey[k] = v
	}
	best, bestCount := "", 0
	for k, c := range counts {
		if c > bestCount {
			best, bestCount = k, c
		}
	}
	if bestCount == 0 {
		return nil, false
	}
	return byKey[best], true
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func keyOf(v any) string {
	switch x := v.(type) {
	case float64:
		// Bucket floats so "avoid bad" is meaningful for continuous values.
		return "f" + formatBucket(x)
	default:
		return "v" + fmt.Sprint(v)
	}
}

func formatBucket(x float64) string {
	return fmt.Sprint(math.Round(x*100) / 100)
}
