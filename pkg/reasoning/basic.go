package reasoning

import (
	"fmt"

	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/tools"
)

// Basic is the plain tool-use loop: instructions as a system message, the
// model's tool calls executed and fed back, done when a response carries no
// calls.
type Basic struct{}

func NewBasic() *Basic {
	return &Basic{}
}

func (s *Basic) Name() string {
	return "basic"
}

func (s *Basic) InitState(a *AgentSpec, st *State) {}

func (s *Basic) BuildMessages(a *AgentSpec, st *State) []protocol.Message {
	messages := st.Messages()

	instructions := a.ResolveInstructions(st.Deps)
	if instructions == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == protocol.RoleSystem {
		return messages
	}
	out := make([]protocol.Message, 0, len(messages)+1)
	out = append(out, protocol.NewSystemMessage(instructions))
	return append(out, messages...)
}

func (s *Basic) ProcessResponse(a *AgentSpec, resp *llms.Response, st *State) {
	st.Append(resp.Message)
	st.NeedsResponse = resp.Message.HasToolCalls()
}

func (s *Basic) ExtractOutput(a *AgentSpec, st *State) (string, error) {
	if msg, ok := st.LastAssistant(); ok {
		return msg.Text(), nil
	}
	return "", fmt.Errorf("run produced no assistant response")
}

func (s *Basic) Tools(a *AgentSpec) []*tools.Tool {
	if a.Registry == nil {
		return nil
	}
	return a.Registry.List()
}

func (s *Basic) AfterTool(a *AgentSpec, call protocol.ToolCall, result string, st *State) {}
