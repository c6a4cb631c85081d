package llms

import (
	"context"
	"fmt"
	"sync"

	"github.com/strandkit/strand/pkg/model"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/telemetry"
)

// Factory builds a provider adapter for a parsed model.
type Factory func(m *model.Model) Provider

var (
	registryMu sync.RWMutex
	registry   = map[model.Provider]Factory{}
)

// Register installs a custom adapter factory for a provider tag, replacing
// the built-in dispatch for that tag.
func Register(provider model.Provider, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[provider] = factory
}

// ForModel returns the adapter for a parsed model: a registered factory if
// one exists, otherwise the built-in adapter family for the provider tag.
// The returned provider is instrumented; every request emits
// model.request.{start,stop,exception} telemetry.
func ForModel(m *model.Model) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[m.Provider]
	registryMu.RUnlock()
	if ok {
		return instrument(factory(m), m), nil
	}

	switch {
	case m.Provider == model.ProviderAnthropic:
		return instrument(NewAnthropicProvider(m), m), nil
	case m.Provider == model.ProviderGemini:
		return instrument(NewGeminiProvider(m), m), nil
	case m.Provider == model.ProviderMistral:
		return instrument(NewMistralProvider(m), m), nil
	case m.OpenAICompatible():
		return instrument(NewOpenAIProvider(m), m), nil
	}

	return nil, fmt.Errorf("no adapter for provider %q", m.Provider)
}

func instrument(p Provider, m *model.Model) Provider {
	return &instrumentedProvider{inner: p, model: m.String()}
}

// instrumentedProvider wraps an adapter with model.request telemetry spans.
// Streaming requests emit start when the stream opens and stop when it
// drains, so the duration covers the full stream lifetime.
type instrumentedProvider struct {
	inner Provider
	model string
}

func (p *instrumentedProvider) Name() string {
	return p.inner.Name()
}

func (p *instrumentedProvider) Request(ctx context.Context, messages []protocol.Message, settings RequestSettings) (*Response, error) {
	var resp *Response
	err := telemetry.Span(
		[]string{"model", "request"},
		telemetry.Metadata{"provider": p.inner.Name(), "model": p.model},
		func() (telemetry.Measurements, error) {
			var err error
			resp, err = p.inner.Request(ctx, messages, settings)
			if err != nil {
				return nil, err
			}
			return telemetry.Measurements{
				"input_tokens":  int64(resp.Usage.InputTokens),
				"output_tokens": int64(resp.Usage.OutputTokens),
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *instrumentedProvider) RequestStream(ctx context.Context, messages []protocol.Message, settings RequestSettings) (<-chan StreamEvent, error) {
	metadata := telemetry.Metadata{"provider": p.inner.Name(), "model": p.model, "stream": true}

	inner, err := p.inner.RequestStream(ctx, messages, settings)
	if err != nil {
		md := telemetry.Metadata{}
		for k, v := range metadata {
			md[k] = v
		}
		md["error"] = err.Error()
		telemetry.Execute([]string{"model", "request", "exception"}, nil, md)
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		err := telemetry.Span([]string{"model", "request"}, metadata, func() (telemetry.Measurements, error) {
			meas := telemetry.Measurements{}
			for ev := range inner {
				if ev.Type == EventUsage && ev.Usage != nil {
					meas["input_tokens"] = int64(ev.Usage.InputTokens)
					meas["output_tokens"] = int64(ev.Usage.OutputTokens)
				}
				var streamErr error
				if ev.Type == EventError {
					streamErr = ev.Err
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				if streamErr != nil {
					return nil, streamErr
				}
			}
			return meas, nil
		})
		_ = err // the error event already reached the consumer
	}()
	return events, nil
}
