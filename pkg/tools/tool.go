// Package tools holds the tool registry and the executor that runs
// model-requested tool calls: name sanitization, retries with backoff,
// per-tool timeouts, and context patches flowing back into run deps.
package tools

import (
	"context"
	"time"

	"github.com/strandkit/strand/pkg/llms"
)

// ExecContext is handed to every tool handler: the run's context for
// cancellation and deadlines plus the run's dependency map.
type ExecContext struct {
	Context context.Context
	Deps    map[string]any
	Agent   string
}

// Handler executes one tool call. The returned value is converted to the
// tool result string: strings pass through, maps and other values are JSON
// encoded. A map result may carry a "__update_context__" sub-map, which is
// merged into run deps and stripped before the model sees the result.
type Handler func(ec *ExecContext, args map[string]any) (any, error)

// Tool is a callable capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler

	// Retries is the number of re-attempts after a failed execution.
	Retries int
	// Timeout overrides the executor default for this tool. Zero means the
	// executor default applies.
	Timeout time.Duration
	// RequiresApproval gates execution behind the executor's approver.
	RequiresApproval bool
}

// Definition returns the schema handed to provider adapters.
func (t *Tool) Definition() llms.ToolDefinition {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llms.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
	}
}
