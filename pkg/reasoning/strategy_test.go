package reasoning

import (
	"context"
	"testing"

	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSyntheticTool(t *testing.T, s *ReAct, st *State, name string, args map[string]any) string {
	t.Helper()
	for _, tool := range s.syntheticTools() {
		if tool.Name != name {
			continue
		}
		result, err := tool.Handler(&tools.ExecContext{Context: context.Background(), Deps: st.Deps}, args)
		require.NoError(t, err)
		text, _ := result.(string)
		return text
	}
	t.Fatalf("no synthetic tool %q", name)
	return ""
}

func TestBasicBuildMessagesPrependsInstructions(t *testing.T) {
	s := NewBasic()
	spec := &AgentSpec{Name: "a", Instructions: "be helpful"}
	st := NewState("hello", nil, nil)

	messages := s.BuildMessages(spec, st)

	require.Len(t, messages, 2)
	assert.Equal(t, protocol.RoleSystem, messages[0].Role)
	assert.Equal(t, "be helpful", messages[0].Text())
	assert.Equal(t, "hello", messages[1].Text())
}

func TestBasicInstructionsNotDuplicated(t *testing.T) {
	s := NewBasic()
	spec := &AgentSpec{Instructions: "x"}
	history := []protocol.Message{protocol.NewSystemMessage("existing system")}
	st := NewState("hi", history, nil)

	messages := s.BuildMessages(spec, st)

	require.Len(t, messages, 2)
	assert.Equal(t, "existing system", messages[0].Text())
}

func TestBasicInstructionsFunc(t *testing.T) {
	s := NewBasic()
	spec := &AgentSpec{
		Instructions: "static",
		InstructionsFunc: func(deps map[string]any) string {
			name, _ := deps["user"].(string)
			return "help " + name
		},
	}
	st := NewState("hi", nil, map[string]any{"user": "ada"})

	messages := s.BuildMessages(spec, st)
	assert.Equal(t, "help ada", messages[0].Text())
}

func TestBasicProcessResponse(t *testing.T) {
	s := NewBasic()
	st := NewState("q", nil, nil)

	s.ProcessResponse(nil, &llms.Response{
		Message: protocol.NewAssistantMessage(protocol.ToolCallPart(protocol.ToolCall{ID: "c", Name: "f"})),
	}, st)
	assert.True(t, st.NeedsResponse, "tool calls demand another response")

	s.ProcessResponse(nil, &llms.Response{
		Message: protocol.NewAssistantMessage(protocol.TextPart("done")),
	}, st)
	assert.False(t, st.NeedsResponse)

	out, err := s.ExtractOutput(nil, st)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestReActPhaseMachine(t *testing.T) {
	s := NewReAct()
	spec := &AgentSpec{Name: "a"}
	st := NewState("task", nil, nil)
	s.InitState(spec, st)

	rs := stateFrom(st.Deps)
	require.NotNil(t, rs)
	assert.Equal(t, phasePlanning, rs.phase)

	runSyntheticTool(t, s, st, "plan", map[string]any{"text": "do the thing"})
	assert.Equal(t, phaseActing, rs.phase)

	runSyntheticTool(t, s, st, "final_answer", map[string]any{"text": "42"})
	assert.Equal(t, phaseDone, rs.phase)

	// done is terminal
	runSyntheticTool(t, s, st, "plan", map[string]any{"text": "again"})
	assert.Equal(t, phaseDone, rs.phase)

	out, err := s.ExtractOutput(spec, st)
	require.NoError(t, err)
	assert.Equal(t, "42", out)
}

func TestReActFinalAnswerStopsLoop(t *testing.T) {
	s := NewReAct()
	spec := &AgentSpec{Name: "a"}
	st := NewState("task", nil, nil)
	s.InitState(spec, st)
	st.NeedsResponse = true

	call := protocol.ToolCall{ID: "c1", Name: "final_answer", Arguments: map[string]any{"text": "done"}}
	runSyntheticTool(t, s, st, "final_answer", call.Arguments)
	s.AfterTool(spec, call, "Final answer recorded.", st)

	assert.False(t, st.NeedsResponse)
}

func TestReActTodos(t *testing.T) {
	s := NewReAct()
	st := NewState("task", nil, nil)
	s.InitState(&AgentSpec{}, st)

	runSyntheticTool(t, s, st, "add_todo", map[string]any{"text": "first"})
	runSyntheticTool(t, s, st, "add_todo", map[string]any{"text": "second"})

	listing := runSyntheticTool(t, s, st, "list_todos", nil)
	assert.Contains(t, listing, "[ ] #1 first")
	assert.Contains(t, listing, "[ ] #2 second")

	result := runSyntheticTool(t, s, st, "complete_todo", map[string]any{"id": float64(1)})
	assert.Equal(t, "Completed todo #1", result)

	listing = runSyntheticTool(t, s, st, "list_todos", nil)
	assert.Contains(t, listing, "[x] #1 first")

	result = runSyntheticTool(t, s, st, "complete_todo", map[string]any{"id": float64(9)})
	assert.Equal(t, "No todo with id 9", result)
}

func TestReActLoopDetectionWarnsOnly(t *testing.T) {
	s := NewReAct()
	spec := &AgentSpec{Name: "a"}
	st := NewState("task", nil, nil)
	s.InitState(spec, st)
	st.NeedsResponse = true

	call := protocol.ToolCall{ID: "c", Name: "search", Arguments: map[string]any{"q": "go"}}
	s.AfterTool(spec, call, "r", st)
	s.AfterTool(spec, call, "r", st)
	s.AfterTool(spec, call, "r", st)

	// Repeats never suppress execution or end the loop.
	assert.True(t, st.NeedsResponse)
	rs := stateFrom(st.Deps)
	assert.Equal(t, 3, rs.seen[`search:{"q":"go"}`])
}

func TestReActSystemPromptCarriesStatus(t *testing.T) {
	s := NewReAct()
	spec := &AgentSpec{Instructions: "solve it"}
	st := NewState("task", nil, nil)
	s.InitState(spec, st)

	runSyntheticTool(t, s, st, "plan", map[string]any{"text": "two steps"})
	runSyntheticTool(t, s, st, "add_todo", map[string]any{"text": "step one"})

	messages := s.BuildMessages(spec, st)
	require.NotEmpty(t, messages)
	system := messages[0].Text()
	assert.Contains(t, system, "solve it")
	assert.Contains(t, system, "final_answer")
	assert.Contains(t, system, "Plan: two steps")
	assert.Contains(t, system, "#1 step one")
}

func TestReActToolsIncludeRegistryAndSynthetic(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&tools.Tool{
		Name:    "search",
		Handler: func(ec *tools.ExecContext, args map[string]any) (any, error) { return nil, nil },
	}))

	list := NewReAct().Tools(&AgentSpec{Registry: reg})

	names := make(map[string]bool, len(list))
	for _, tool := range list {
		names[tool.Name] = true
	}
	for _, want := range []string{"search", "plan", "add_todo", "complete_todo", "list_todos", "note", "final_answer"} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestForName(t *testing.T) {
	assert.Equal(t, "react", ForName("react").Name())
	assert.Equal(t, "basic", ForName("").Name())
	assert.Equal(t, "basic", ForName("basic").Name())
}

func TestStateMessagesAndScratch(t *testing.T) {
	history := []protocol.Message{protocol.NewUserMessage("before")}
	st := NewState("now", history, nil)

	messages := st.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "before", messages[0].Text())
	assert.Equal(t, "now", messages[1].Text())

	scratch := st.Scratch("x")
	scratch["k"] = 1
	assert.Equal(t, 1, st.Scratch("x")["k"])

	st.Patch(map[string]any{"a": "b"})
	assert.Equal(t, "b", st.Deps["a"])
}
