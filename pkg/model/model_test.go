package model

import (
	"errors"
	"testing"
	"time"
)

func TestParseKnownProviders(t *testing.T) {
	tests := []struct {
		spec     string
		provider Provider
		name     string
		baseURL  string
	}{
		{"openai:gpt-4o", ProviderOpenAI, "gpt-4o", "https://api.openai.com/v1"},
		{"anthropic:claude-sonnet-4-20250514", ProviderAnthropic, "claude-sonnet-4-20250514", "https://api.anthropic.com"},
		{"gemini:gemini-2.0-flash", ProviderGemini, "gemini-2.0-flash", "https://generativelanguage.googleapis.com"},
		{"mistral:mistral-large-latest", ProviderMistral, "mistral-large-latest", "https://api.mistral.ai/v1"},
		{"groq:llama-3.3-70b", ProviderGroq, "llama-3.3-70b", "https://api.groq.com/openai/v1"},
		{"ollama:llama3.2:3b", ProviderOllama, "llama3.2:3b", "http://localhost:11434/v1"},
		{"openrouter:meta/llama-3-8b", ProviderOpenRouter, "meta/llama-3-8b", "https://openrouter.ai/api/v1"},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			m, err := Parse(tt.spec)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v, want nil", tt.spec, err)
			}
			if m.Provider != tt.provider {
				t.Errorf("Provider = %v, want %v", m.Provider, tt.provider)
			}
			if m.Name != tt.name {
				t.Errorf("Name = %q, want %q", m.Name, tt.name)
			}
			if m.BaseURL != tt.baseURL {
				t.Errorf("BaseURL = %q, want %q", m.BaseURL, tt.baseURL)
			}
		})
	}
}

func TestParseInvalidSpecs(t *testing.T) {
	for _, spec := range []string{"", "gpt-4o", "unknown:model", ":model", "openai:"} {
		t.Run(spec, func(t *testing.T) {
			_, err := Parse(spec)
			if err == nil {
				t.Fatalf("Parse(%q) error = nil, want invalid_model_string", spec)
			}
			var modelErr *Error
			if !errors.As(err, &modelErr) {
				t.Fatalf("Parse(%q) error type = %T, want *Error", spec, err)
			}
			if modelErr.Code != ErrInvalidModelString {
				t.Errorf("Code = %q, want %q", modelErr.Code, ErrInvalidModelString)
			}
		})
	}
}

func TestParseCustomRequiresBaseURL(t *testing.T) {
	_, err := Parse("vllm:meta-llama/Llama-3-8B")
	if err == nil {
		t.Fatal("Parse() for vllm without base URL should fail")
	}

	m, err := Parse("vllm:meta-llama/Llama-3-8B", WithBaseURL("http://localhost:8000/v1/"))
	if err != nil {
		t.Fatalf("Parse() with base URL error = %v", err)
	}
	if m.BaseURL != "http://localhost:8000/v1" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", m.BaseURL)
	}
}

func TestParseEnvFallbacks(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env-key")
	t.Setenv("CUSTOM_BASE_URL", "http://gateway.internal/v1")

	m, err := Parse("openai:gpt-4o")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.APIKey != "sk-env-key" {
		t.Errorf("APIKey = %q, want env fallback", m.APIKey)
	}

	c, err := Parse("custom:my-model")
	if err != nil {
		t.Fatalf("Parse(custom) error = %v", err)
	}
	if c.BaseURL != "http://gateway.internal/v1" {
		t.Errorf("BaseURL = %q, want env fallback", c.BaseURL)
	}
}

func TestParseMissingKeyNotFatal(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	m, err := Parse("anthropic:claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("Parse() error = %v, missing key must not fail at parse time", err)
	}
	if m.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", m.APIKey)
	}
}

func TestParseOptions(t *testing.T) {
	m, err := Parse("openai:gpt-4o",
		WithAPIKey("sk-opt"),
		WithTimeout(15*time.Second),
		WithNormalizer("mistral"),
	)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.APIKey != "sk-opt" {
		t.Errorf("APIKey = %q, want sk-opt", m.APIKey)
	}
	if m.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", m.Timeout)
	}
	if m.Normalizer != "mistral" {
		t.Errorf("Normalizer = %q, want mistral", m.Normalizer)
	}
}

func TestOpenAICompatible(t *testing.T) {
	compatible := []string{"openai:x", "groq:x", "together:x", "ollama:x"}
	for _, spec := range compatible {
		m, err := Parse(spec)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", spec, err)
		}
		if !m.OpenAICompatible() {
			t.Errorf("OpenAICompatible() for %s = false, want true", spec)
		}
	}

	m, _ := Parse("anthropic:x")
	if m.OpenAICompatible() {
		t.Error("OpenAICompatible() for anthropic = true, want false")
	}
}

func TestSettingsMerge(t *testing.T) {
	temp := 0.2
	base := Settings{MaxTokens: 1000, Context1M: true}
	merged := base.Merge(Settings{Temperature: &temp, MaxTokens: 2000})

	if merged.Temperature == nil || *merged.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", merged.Temperature)
	}
	if merged.MaxTokens != 2000 {
		t.Errorf("MaxTokens = %d, want 2000", merged.MaxTokens)
	}
	if !merged.Context1M {
		t.Error("Context1M lost in merge")
	}
}
