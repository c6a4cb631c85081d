package llms

import (
	"github.com/strandkit/strand/pkg/model"
)

// NewMistralProvider builds the Mistral adapter. Mistral speaks the OpenAI
// chat completions dialect with two differences handled here: the request
// carries safe_prompt when enabled, and continuation tool-call fragments
// omit the index field, which the mistral normalizer resolves to the most
// recent call.
func NewMistralProvider(m *model.Model) *OpenAIProvider {
	if m.Normalizer == "" {
		m.Normalizer = "mistral"
	}
	return NewOpenAIProvider(m)
}
