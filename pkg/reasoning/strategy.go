// Package reasoning defines the pluggable strategy layer that shapes how an
// agent converses: which messages reach the model each iteration, how
// responses fold into state, which synthetic tools exist, and when the loop
// stops asking for another response.
package reasoning

import (
	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/tools"
)

// AgentSpec is the slice of agent configuration strategies read: identity,
// instructions, and the tool registry. The runner owns the rest.
type AgentSpec struct {
	Name         string
	Instructions string

	// InstructionsFunc computes instructions from run deps; it wins over the
	// static Instructions when set.
	InstructionsFunc func(deps map[string]any) string

	Registry *tools.Registry
}

// ResolveInstructions returns the effective instructions for a run.
func (a *AgentSpec) ResolveInstructions(deps map[string]any) string {
	if a.InstructionsFunc != nil {
		return a.InstructionsFunc(deps)
	}
	return a.Instructions
}

// Strategy drives one agent's reasoning shape. The runner calls the methods
// in a fixed order each iteration: BuildMessages → (provider request) →
// ProcessResponse → (tool execution, AfterTool per call) → loop while the
// state needs another response.
type Strategy interface {
	// InitState prepares strategy-private state at the start of a run.
	InitState(a *AgentSpec, st *State)

	// BuildMessages assembles the provider-facing message list.
	BuildMessages(a *AgentSpec, st *State) []protocol.Message

	// ProcessResponse folds a model response into state and decides whether
	// another response is needed.
	ProcessResponse(a *AgentSpec, resp *llms.Response, st *State)

	// ExtractOutput produces the run's final output once the loop stops.
	ExtractOutput(a *AgentSpec, st *State) (string, error)

	// Tools returns the tools this strategy exposes, including synthetic
	// strategy-owned tools.
	Tools(a *AgentSpec) []*tools.Tool

	// AfterTool observes each executed tool call and its result.
	AfterTool(a *AgentSpec, call protocol.ToolCall, result string, st *State)

	Name() string
}

// ForName returns a strategy by its configuration name.
func ForName(name string) Strategy {
	switch name {
	case "react":
		return NewReAct()
	default:
		return NewBasic()
	}
}
