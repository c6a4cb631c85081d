package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strandkit/strand/pkg/config"
)

// Duration parses YAML timeouts: a bare number is milliseconds, a string
// is anything time.ParseDuration accepts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Case is one evaluation test case.
type Case struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	Input    string `yaml:"input"`
	Expected string `yaml:"expected,omitempty"`

	EvalType   string         `yaml:"eval_type,omitempty"`
	EvalConfig map[string]any `yaml:"eval_config,omitempty"`

	Tags []string `yaml:"tags,omitempty"`

	// AgentConfig overrides agent settings for this case: model,
	// instructions, strategy, max_iterations, and model settings.
	AgentConfig *CaseAgentConfig `yaml:"agent_config,omitempty"`

	// Tools names registered tools this case's agent may call.
	Tools []string `yaml:"tools,omitempty"`

	// Timeout overrides the suite default for this case.
	Timeout Duration `yaml:"timeout,omitempty"`
}

// CaseAgentConfig is the per-case slice of agent configuration a suite file
// may override.
type CaseAgentConfig struct {
	Model         string         `yaml:"model,omitempty"`
	Instructions  string         `yaml:"instructions,omitempty"`
	Strategy      string         `yaml:"strategy,omitempty"`
	MaxIterations int            `yaml:"max_iterations,omitempty"`
	Settings      map[string]any `yaml:"settings,omitempty"`
}

// Suite is a YAML evaluation suite.
type Suite struct {
	Name                string   `yaml:"name"`
	Description         string   `yaml:"description,omitempty"`
	DefaultModel        string   `yaml:"default_model,omitempty"`
	DefaultInstructions string   `yaml:"default_instructions,omitempty"`
	DefaultTimeout      Duration `yaml:"default_timeout,omitempty"`
	Parallelism         int      `yaml:"parallelism,omitempty"`
	RetryFailed         int      `yaml:"retry_failed,omitempty"`
	Cases               []Case   `yaml:"test_cases"`
}

func (s *Suite) SetDefaults() {
	if s.Parallelism <= 0 {
		s.Parallelism = 1
	}
	if s.DefaultTimeout <= 0 {
		s.DefaultTimeout = Duration(2 * time.Minute)
	}
	for i := range s.Cases {
		c := &s.Cases[i]
		if c.Name == "" {
			c.Name = c.ID
		}
		if c.EvalType == "" {
			c.EvalType = "exact_match"
		}
		if c.Timeout <= 0 {
			c.Timeout = s.DefaultTimeout
		}
	}
}

func (s *Suite) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("configuration_error: suite has no name")
	}
	if len(s.Cases) == 0 {
		return fmt.Errorf("configuration_error: suite %q has no test cases", s.Name)
	}
	seen := make(map[string]bool, len(s.Cases))
	for i, c := range s.Cases {
		if c.ID == "" {
			return fmt.Errorf("configuration_error: suite %q case %d has no id", s.Name, i)
		}
		if seen[c.ID] {
			return fmt.Errorf("configuration_error: suite %q has duplicate case id %q", s.Name, c.ID)
		}
		seen[c.ID] = true
		if c.Input == "" {
			return fmt.Errorf("configuration_error: case %q has no input", c.ID)
		}
		if _, err := New(c.EvalType, c.EvalConfig); err != nil {
			return fmt.Errorf("case %q: %w", c.ID, err)
		}
	}
	return nil
}

// Filter returns a copy of the suite containing only cases that carry at
// least one include tag (when includes are given) and none of the excludes.
func (s *Suite) Filter(include, exclude []string) *Suite {
	out := *s
	out.Cases = nil
	for _, c := range s.Cases {
		if len(include) > 0 && !hasAnyTag(c.Tags, include) {
			continue
		}
		if hasAnyTag(c.Tags, exclude) {
			continue
		}
		out.Cases = append(out.Cases, c)
	}
	return &out
}

func hasAnyTag(tags, wanted []string) bool {
	for _, w := range wanted {
		for _, t := range tags {
			if t == w {
				return true
			}
		}
	}
	return false
}

// Load reads one suite file, expanding ${VAR} references from the
// environment before parsing.
func Load(path string) (*Suite, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite %s: %w", path, err)
	}

	var suite Suite
	if err := yaml.Unmarshal([]byte(config.ExpandEnv(string(raw))), &suite); err != nil {
		return nil, fmt.Errorf("parsing suite %s: %w", path, err)
	}
	suite.SetDefaults()
	if err := suite.Validate(); err != nil {
		return nil, fmt.Errorf("suite %s: %w", path, err)
	}
	return &suite, nil
}

// LoadDir loads every .yaml/.yml file in a directory, sorted by filename.
func LoadDir(dir string) ([]*Suite, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading suite directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no suite files in %s", dir)
	}

	suites := make([]*Suite, 0, len(paths))
	for _, path := range paths {
		suite, err := Load(path)
		if err != nil {
			return nil, err
		}
		suites = append(suites, suite)
	}
	return suites, nil
}
