package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/strandkit/strand/pkg/httpclient"
	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/reasoning"
	"github.com/strandkit/strand/pkg/structured"
	"github.com/strandkit/strand/pkg/telemetry"
)

// RunResult is the outcome of a completed run.
type RunResult struct {
	// Output is the final output: plain text, or the validated JSON payload
	// for structured runs.
	Output string

	// Usage accumulates every provider request and tool call of the run.
	Usage protocol.Usage

	// AllMessages is the full conversation: history plus this run's messages.
	AllMessages []protocol.Message

	// NewMessages are only the messages this run created.
	NewMessages []protocol.Message

	// Deps is the final dependency map, context patches applied. Reserved
	// "__"-prefixed keys are stripped.
	Deps map[string]any
}

type runOptions struct {
	deps    map[string]any
	history []protocol.Message
}

type RunOption func(*runOptions)

// WithDeps seeds the run dependency map visible to tool handlers.
func WithDeps(deps map[string]any) RunOption {
	return func(o *runOptions) { o.deps = deps }
}

// WithHistory carries a prior conversation into the run.
func WithHistory(history []protocol.Message) RunOption {
	return func(o *runOptions) { o.history = history }
}

// Run executes the agent loop until the strategy produces a final output or
// a bound is hit.
func (a *Agent) Run(ctx context.Context, prompt string, opts ...RunOption) (*RunResult, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	var result *RunResult
	err := telemetry.Span(
		[]string{"agent", "run"},
		telemetry.Metadata{"agent": a.cfg.Name, "model": a.modelString(), "strategy": a.strategy.Name()},
		func() (telemetry.Measurements, error) {
			r, err := a.run(ctx, prompt, o)
			if err != nil {
				return nil, err
			}
			result = r
			return telemetry.Measurements{
				"requests":      int64(r.Usage.Requests),
				"tool_calls":    int64(r.Usage.ToolCalls),
				"input_tokens":  int64(r.Usage.InputTokens),
				"output_tokens": int64(r.Usage.OutputTokens),
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Agent) run(ctx context.Context, prompt string, o runOptions) (*RunResult, error) {
	st := reasoning.NewState(prompt, o.history, o.deps)
	a.strategy.InitState(a.spec, st)

	toolDefs := a.registry.Definitions()
	validationRetries := 0
	if a.output != nil {
		validationRetries = a.output.MaxRetries
	}

	var output string

	for iteration := 0; ; iteration++ {
		if err := ctxError(ctx); err != nil {
			return nil, err
		}
		if iteration >= a.cfg.MaxIterations {
			return nil, newError(CodeMaxIterationsExceeded,
				"run did not complete within %d iterations", a.cfg.MaxIterations)
		}

		messages := a.buildMessages(st)
		settings := a.requestSettings(toolDefs)

		resp, err := a.request(ctx, messages, settings)
		if err != nil {
			if ctxErr := ctxError(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		st.Usage.Add(resp.Usage)
		if err := a.checkLimits(st); err != nil {
			return nil, err
		}

		a.strategy.ProcessResponse(a.spec, resp, st)

		if err := a.executeToolCalls(ctx, resp.Message.ToolCalls(), st); err != nil {
			return nil, err
		}

		if st.NeedsResponse {
			continue
		}

		out, retry, err := a.finalize(st, &validationRetries)
		if err != nil {
			return nil, err
		}
		if retry {
			st.NeedsResponse = true
			continue
		}
		output = out
		break
	}

	return &RunResult{
		Output:      output,
		Usage:       st.Usage,
		AllMessages: st.Messages(),
		NewMessages: st.Turn,
		Deps:        publicDeps(st.Deps),
	}, nil
}

// buildMessages lets the strategy assemble the conversation, then appends
// structured-output prompting where the mode relies on it.
func (a *Agent) buildMessages(st *reasoning.State) []protocol.Message {
	messages := a.strategy.BuildMessages(a.spec, st)

	if a.output == nil {
		return messages
	}
	addendum := a.output.PromptAddendum()
	if addendum == "" {
		return messages
	}

	if len(messages) > 0 && messages[0].Role == protocol.RoleSystem {
		merged := protocol.NewSystemMessage(messages[0].Text() + "\n\n" + addendum)
		out := make([]protocol.Message, 0, len(messages))
		out = append(out, merged)
		return append(out, messages[1:]...)
	}
	out := make([]protocol.Message, 0, len(messages)+1)
	out = append(out, protocol.NewSystemMessage(addendum))
	return append(out, messages...)
}

func (a *Agent) requestSettings(toolDefs []llms.ToolDefinition) llms.RequestSettings {
	settings := llms.RequestSettings{Tools: toolDefs}
	if a.model != nil {
		settings.Settings = a.model.Defaults.Merge(a.cfg.Settings)
	} else {
		settings.Settings = a.cfg.Settings
	}
	if a.output != nil {
		a.output.Apply(&settings)
	}
	return settings
}

// request issues one provider request, re-trying when the transport reports
// exhausted retries on a retryable failure.
func (a *Agent) request(ctx context.Context, messages []protocol.Message, settings llms.RequestSettings) (*llms.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.RequestRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*time.Second); err != nil {
				return nil, err
			}
		}
		resp, err := a.provider.Request(ctx, messages, settings)
		if err == nil {
			return resp, nil
		}
		var retryable *httpclient.RetryableError
		if !errors.As(err, &retryable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// executeToolCalls runs the response's tool calls in emission order,
// appending results in the same order.
func (a *Agent) executeToolCalls(ctx context.Context, calls []protocol.ToolCall, st *reasoning.State) error {
	for _, call := range calls {
		if a.output != nil && a.output.IsOutputCall(call) {
			// The output carrier is not a real tool; acknowledge and stop
			// asking for responses.
			st.Append(protocol.NewToolResultMessage(call.ID, call.Name, "Output recorded."))
			st.NeedsResponse = false
			if a.cfg.EndStrategy == EndEarly {
				return nil
			}
			continue
		}

		result, patch, err := a.executor.Execute(ctx, call, st.Deps)
		if err != nil {
			if ctxErr := ctxError(ctx); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		st.Append(protocol.NewToolResultMessage(call.ID, call.Name, result))
		st.Usage.AddToolCalls(1)
		st.Patch(patch)

		a.strategy.AfterTool(a.spec, call, result, st)

		if err := a.checkLimits(st); err != nil {
			return err
		}
		if !st.NeedsResponse && a.cfg.EndStrategy == EndEarly {
			return nil
		}
	}
	return nil
}

// finalize extracts the run output. For structured runs a validation
// failure with retries remaining appends a corrective message and asks the
// loop to continue.
func (a *Agent) finalize(st *reasoning.State, validationRetries *int) (string, bool, error) {
	if a.output == nil {
		out, err := a.strategy.ExtractOutput(a.spec, st)
		if err != nil {
			return "", false, &Error{Code: CodeValidation, Message: "no output", Err: err}
		}
		return out, false, nil
	}

	msg, ok := st.LastAssistant()
	if !ok {
		return "", false, newError(CodeValidation, "run produced no assistant response")
	}
	raw, ok := a.output.Extract(msg)
	if !ok {
		raw = ""
	}

	err := a.output.Validate(raw)
	if err == nil {
		return raw, false, nil
	}

	var verr *structured.ValidationError
	if errors.As(err, &verr) && *validationRetries > 0 {
		*validationRetries--
		st.Append(protocol.NewUserMessage(verr.CorrectionPrompt()))
		return "", true, nil
	}
	return "", false, &Error{Code: CodeValidation, Message: "structured output validation failed", Err: err}
}

func (a *Agent) checkLimits(st *reasoning.State) error {
	limits := a.cfg.Limits
	if limits.MaxTokens > 0 && st.Usage.TotalTokens > limits.MaxTokens {
		return newError(CodeUsageLimitExceeded,
			"token limit exceeded: %d > %d", st.Usage.TotalTokens, limits.MaxTokens)
	}
	if limits.MaxRequests > 0 && st.Usage.Requests > limits.MaxRequests {
		return newError(CodeUsageLimitExceeded,
			"request limit exceeded: %d > %d", st.Usage.Requests, limits.MaxRequests)
	}
	if limits.MaxToolCalls > 0 && st.Usage.ToolCalls > limits.MaxToolCalls {
		return newError(CodeUsageLimitExceeded,
			"tool call limit exceeded: %d > %d", st.Usage.ToolCalls, limits.MaxToolCalls)
	}
	return nil
}

// RunStream opens a streaming request for the first iteration and returns
// the canonical event channel. There is no tool loop; callers that receive
// tool calls follow up with Run.
func (a *Agent) RunStream(ctx context.Context, prompt string, opts ...RunOption) (<-chan llms.StreamEvent, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	st := reasoning.NewState(prompt, o.history, o.deps)
	a.strategy.InitState(a.spec, st)

	messages := a.buildMessages(st)
	settings := a.requestSettings(a.registry.Definitions())

	events, err := a.provider.RequestStream(ctx, messages, settings)
	if err != nil {
		if ctxErr := ctxError(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return events, nil
}

// publicDeps copies deps without reserved strategy-internal keys.
func publicDeps(deps map[string]any) map[string]any {
	out := make(map[string]any, len(deps))
	for k, v := range deps {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = v
	}
	return out
}

func ctxError(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return newError(CodeTimeout, "run deadline exceeded")
	default:
		return newError(CodeExecutionCancelled, "run cancelled")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctxError(ctx)
	case <-timer.C:
		return nil
	}
}
