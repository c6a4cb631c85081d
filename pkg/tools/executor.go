package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/telemetry"
)

const (
	// UpdateContextKey marks the sub-map of a tool result that is merged
	// into run deps instead of being shown to the model.
	UpdateContextKey = "__update_context__"

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// Approver decides whether an approval-gated tool call may run.
type Approver func(ctx context.Context, call protocol.ToolCall) (bool, error)

// Executor runs tool calls against a registry. Model-side failures (unknown
// tool, bad arguments, handler errors, timeouts) become tool result text so
// the model can recover; only context cancellation aborts the run.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	approver       Approver
}

type ExecutorOption func(*Executor)

func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

func WithApprover(fn Approver) ExecutorOption {
	return func(e *Executor) { e.approver = fn }
}

func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		defaultTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call and returns the result text for the model plus
// the context patch to merge into run deps. The returned error is non-nil
// only when the run context is cancelled.
func (e *Executor) Execute(ctx context.Context, call protocol.ToolCall, deps map[string]any) (string, map[string]any, error) {
	name := SanitizeName(call.Name)

	tool, ok := e.registry.Get(name)
	if !ok {
		slog.Debug("model requested unknown tool", "tool", name, "raw", call.Name)
		return fmt.Sprintf("Tool not found: %s", name), nil, nil
	}

	if call.ParseError != "" {
		return fmt.Sprintf("Invalid arguments for tool %s: %s", name, call.ParseError), nil, nil
	}

	if tool.RequiresApproval {
		if e.approver == nil {
			return fmt.Sprintf("Tool %s requires approval and no approver is configured", name), nil, nil
		}
		approved, err := e.approver(ctx, call)
		if err != nil {
			return fmt.Sprintf("Tool %s approval failed: %v", name, err), nil, nil
		}
		if !approved {
			return fmt.Sprintf("Tool %s was not approved", name), nil, nil
		}
	}

	var (
		result string
		patch  map[string]any
	)
	spanErr := telemetry.Span(
		[]string{"tool", "execute"},
		telemetry.Metadata{"tool": name},
		func() (telemetry.Measurements, error) {
			var attempts int64
			var err error
			result, patch, attempts, err = e.run(ctx, tool, call, deps)
			return telemetry.Measurements{"attempts": attempts}, err
		},
	)
	if spanErr != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		// Handler failure after retries: surfaced to the model, not fatal.
		return fmt.Sprintf("Error executing tool %s: %v", name, spanErr), nil, nil
	}
	return result, patch, nil
}

// run invokes the handler with retries. Backoff starts at 100ms and doubles,
// capped at 5s.
func (e *Executor) run(ctx context.Context, tool *Tool, call protocol.ToolCall, deps map[string]any) (string, map[string]any, int64, error) {
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	var lastErr error
	delay := retryBaseDelay

	for attempt := 0; attempt <= tool.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", nil, int64(attempt), err
		}

		if attempt > 0 {
			slog.Warn("retrying tool execution",
				"tool", tool.Name,
				"attempt", attempt+1,
				"max_attempts", tool.Retries+1,
				"error", lastErr)
			if err := sleepCtx(ctx, delay); err != nil {
				return "", nil, int64(attempt), err
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		value, err := e.invoke(ctx, tool, call, deps, timeout)
		if err == nil {
			result, patch := convertResult(value)
			return result, patch, int64(attempt + 1), nil
		}
		lastErr = err
	}

	return "", nil, int64(tool.Retries + 1), lastErr
}

func (e *Executor) invoke(ctx context.Context, tool *Tool, call protocol.ToolCall, deps map[string]any, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := &ExecContext{Context: callCtx, Deps: deps}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := tool.Handler(ec, call.Arguments)
		done <- outcome{value, err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tool %s timed out after %s", tool.Name, timeout)
	}
}

// convertResult turns a handler value into model-facing text and extracts
// the context patch from map results.
func convertResult(value any) (string, map[string]any) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case map[string]any:
		var patch map[string]any
		if raw, ok := v[UpdateContextKey]; ok {
			if sub, ok := raw.(map[string]any); ok {
				patch = sub
			}
			rest := make(map[string]any, len(v)-1)
			for key, val := range v {
				if key != UpdateContextKey {
					rest[key] = val
				}
			}
			v = rest
		}
		if len(v) == 0 {
			return "", patch
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), patch
		}
		return string(encoded), patch
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return string(encoded), nil
	}
}

// SanitizeName trims the model-provided tool name to its leading identifier
// run. Models occasionally append stop-token noise or wrap names in quotes.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, "`'\"")

	for i, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.' {
			continue
		}
		return name[:i]
	}
	return name
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
