// Package model parses "provider:model" specs into immutable model
// configurations: provider tag, default base URL, credential resolution from
// the environment, request timeout, and default sampling settings.
package model

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGemini     Provider = "gemini"
	ProviderMistral    Provider = "mistral"
	ProviderGroq       Provider = "groq"
	ProviderOllama     Provider = "ollama"
	ProviderLMStudio   Provider = "lmstudio"
	ProviderVLLM       Provider = "vllm"
	ProviderSGLang     Provider = "sglang"
	ProviderOpenRouter Provider = "openrouter"
	ProviderTogether   Provider = "together"
	ProviderCustom     Provider = "custom"
)

// defaultBaseURLs lists the public endpoint per cloud provider. Self-hosted
// providers have no default and must be configured explicitly.
var defaultBaseURLs = map[Provider]string{
	ProviderOpenAI:     "https://api.openai.com/v1",
	ProviderAnthropic:  "https://api.anthropic.com",
	ProviderGemini:     "https://generativelanguage.googleapis.com",
	ProviderMistral:    "https://api.mistral.ai/v1",
	ProviderGroq:       "https://api.groq.com/openai/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
	ProviderTogether:   "https://api.together.xyz/v1",
	ProviderOllama:     "http://localhost:11434/v1",
	ProviderLMStudio:   "http://localhost:1234/v1",
}

var apiKeyEnvVars = map[Provider]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
	ProviderMistral:   "MISTRAL_API_KEY",
	ProviderGroq:      "GROQ_API_KEY",
}

// requiresBaseURL lists providers with no public endpoint; a base URL must
// come from an option or <PROVIDER>_BASE_URL.
var requiresBaseURL = map[Provider]bool{
	ProviderCustom: true,
	ProviderVLLM:   true,
	ProviderSGLang: true,
}

// Settings are per-request generation parameters. Nil pointer fields are
// omitted from provider requests.
type Settings struct {
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	Stop        []string `yaml:"stop,omitempty" json:"stop,omitempty"`

	// Anthropic extended thinking budget, in tokens. Zero disables thinking.
	ThinkingBudget int `yaml:"thinking_budget,omitempty" json:"thinking_budget,omitempty"`
	// Anthropic 1M-context beta flag.
	Context1M bool `yaml:"context_1m,omitempty" json:"context_1m,omitempty"`
	// Mistral safe prompt injection.
	SafePrompt bool `yaml:"safe_prompt,omitempty" json:"safe_prompt,omitempty"`
}

// Merge overlays non-zero fields of other onto a copy of s.
func (s Settings) Merge(other Settings) Settings {
	out := s
	if other.Temperature != nil {
		out.Temperature = other.Temperature
	}
	if other.MaxTokens > 0 {
		out.MaxTokens = other.MaxTokens
	}
	if other.TopP != nil {
		out.TopP = other.TopP
	}
	if len(other.Stop) > 0 {
		out.Stop = other.Stop
	}
	if other.ThinkingBudget > 0 {
		out.ThinkingBudget = other.ThinkingBudget
	}
	if other.Context1M {
		out.Context1M = true
	}
	if other.SafePrompt {
		out.SafePrompt = true
	}
	return out
}

// Model is an immutable provider+model configuration. Create with Parse.
type Model struct {
	Provider     Provider
	Name         string
	BaseURL      string
	APIKey       string
	Organization string
	Timeout      time.Duration
	Defaults     Settings

	// Normalizer selects the stream normalizer for OpenAI-compatible
	// providers ("openai" or "mistral"). Empty means the adapter default.
	Normalizer string
}

type Option func(*Model)

func WithBaseURL(url string) Option {
	return func(m *Model) { m.BaseURL = strings.TrimRight(url, "/") }
}

func WithAPIKey(key string) Option {
	return func(m *Model) { m.APIKey = key }
}

func WithOrganization(org string) Option {
	return func(m *Model) { m.Organization = org }
}

func WithTimeout(d time.Duration) Option {
	return func(m *Model) { m.Timeout = d }
}

func WithDefaults(s Settings) Option {
	return func(m *Model) { m.Defaults = s }
}

func WithNormalizer(name string) Option {
	return func(m *Model) { m.Normalizer = name }
}

// Parse parses a "provider:model" spec. The provider tag must be known; the
// model identifier may contain further colons (e.g. ollama tags). A missing
// API key for a cloud provider is not an error here, it surfaces as an
// authentication error at request time.
func Parse(spec string, opts ...Option) (*Model, error) {
	tag, name, ok := strings.Cut(spec, ":")
	if !ok || tag == "" || name == "" {
		return nil, &Error{
			Code:    ErrInvalidModelString,
			Message: fmt.Sprintf("model spec %q must be of the form \"provider:model\"", spec),
		}
	}

	provider := Provider(strings.ToLower(tag))
	if !knownProvider(provider) {
		return nil, &Error{
			Code:    ErrInvalidModelString,
			Message: fmt.Sprintf("unknown provider %q in model spec %q", tag, spec),
		}
	}

	m := &Model{
		Provider: provider,
		Name:     name,
		Timeout:  60 * time.Second,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.BaseURL == "" {
		if url := os.Getenv(baseURLEnvVar(provider)); url != "" {
			m.BaseURL = strings.TrimRight(url, "/")
		} else if url, ok := defaultBaseURLs[provider]; ok {
			m.BaseURL = url
		}
	}

	if m.BaseURL == "" && requiresBaseURL[provider] {
		return nil, &Error{
			Code: ErrMissingBaseURL,
			Message: fmt.Sprintf("provider %q has no default endpoint: set a base URL or %s",
				provider, baseURLEnvVar(provider)),
		}
	}

	if m.APIKey == "" {
		if envVar, ok := apiKeyEnvVars[provider]; ok {
			m.APIKey = os.Getenv(envVar)
		}
	}

	return m, nil
}

func knownProvider(p Provider) bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderMistral,
		ProviderGroq, ProviderOllama, ProviderLMStudio, ProviderVLLM,
		ProviderSGLang, ProviderOpenRouter, ProviderTogether, ProviderCustom:
		return true
	}
	return false
}

func baseURLEnvVar(p Provider) string {
	return strings.ToUpper(string(p)) + "_BASE_URL"
}

// OpenAICompatible reports whether the provider speaks the OpenAI chat
// completions dialect and can share the OpenAI adapter.
func (m *Model) OpenAICompatible() bool {
	switch m.Provider {
	case ProviderOpenAI, ProviderGroq, ProviderOllama, ProviderLMStudio,
		ProviderVLLM, ProviderSGLang, ProviderOpenRouter, ProviderTogether,
		ProviderCustom:
		return true
	}
	return false
}

// GuidedDecoding reports whether the provider supports token-level guided
// decoding constraints (choice/regex/grammar).
func (m *Model) GuidedDecoding() bool {
	return m.Provider == ProviderVLLM || m.Provider == ProviderSGLang
}

func (m *Model) String() string {
	return string(m.Provider) + ":" + m.Name
}
