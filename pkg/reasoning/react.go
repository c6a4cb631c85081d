package reasoning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/tools"
)

// reactStateKey is the reserved deps key carrying the strategy state into
// synthetic tool handlers. The runner strips "__"-prefixed keys from the
// deps it returns to callers.
const reactStateKey = "__react__"

const (
	phasePlanning = "planning"
	phaseActing   = "acting"
	phaseDone     = "done"
)

const reactWorkflowPrompt = `You work in an explicit plan-act-observe loop.

Workflow:
1. Call plan once with a short strategy for the task.
2. Break the work into steps with add_todo.
3. Work the todos using the available tools, marking each with
   complete_todo when finished. Record observations with note.
4. When the task is complete, call final_answer with the full answer.

Rules:
- Always call plan before acting.
- final_answer is the only way to finish; plain text responses are treated
  as intermediate thinking.
- Keep todos small and verifiable.`

type todoItem struct {
	ID   int
	Text string
	Done bool
}

// reactState is the strategy-private run state: the phase machine, the plan,
// todos, notes, the captured final answer, and the tool-call log used for
// loop detection.
type reactState struct {
	phase  string
	plan   string
	todos  []todoItem
	nextID int
	notes  []string
	answer string
	seen   map[string]int
}

// ReAct is the plan/act/observe strategy. It adds synthetic planning tools
// on top of the agent's registry and finishes only through final_answer.
type ReAct struct{}

func NewReAct() *ReAct {
	return &ReAct{}
}

func (s *ReAct) Name() string {
	return "react"
}

func (s *ReAct) InitState(a *AgentSpec, st *State) {
	st.Deps[reactStateKey] = &reactState{
		phase:  phasePlanning,
		nextID: 1,
		seen:   make(map[string]int),
	}
}

func stateFrom(deps map[string]any) *reactState {
	rs, _ := deps[reactStateKey].(*reactState)
	return rs
}

// requireState guards the synthetic tool handlers against running outside a
// ReAct-initialized run.
func requireState(ec *tools.ExecContext) (*reactState, error) {
	if rs := stateFrom(ec.Deps); rs != nil {
		return rs, nil
	}
	return nil, fmt.Errorf("planning tools require a react strategy run")
}

func (s *ReAct) BuildMessages(a *AgentSpec, st *State) []protocol.Message {
	var sb strings.Builder
	if instructions := a.ResolveInstructions(st.Deps); instructions != "" {
		sb.WriteString(instructions)
		sb.WriteString("\n\n")
	}
	sb.WriteString(reactWorkflowPrompt)

	if rs := stateFrom(st.Deps); rs != nil {
		if status := rs.statusBlock(); status != "" {
			sb.WriteString("\n\n")
			sb.WriteString(status)
		}
	}

	messages := st.Messages()
	out := make([]protocol.Message, 0, len(messages)+1)
	out = append(out, protocol.NewSystemMessage(sb.String()))
	return append(out, messages...)
}

// statusBlock renders the live plan and todo list so the model sees its own
// progress each iteration.
func (rs *reactState) statusBlock() string {
	if rs.plan == "" && len(rs.todos) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Current status:")
	if rs.plan != "" {
		sb.WriteString("\nPlan: ")
		sb.WriteString(rs.plan)
	}
	for _, todo := range rs.todos {
		mark := " "
		if todo.Done {
			mark = "x"
		}
		fmt.Fprintf(&sb, "\n[%s] #%d %s", mark, todo.ID, todo.Text)
	}
	return sb.String()
}

func (s *ReAct) ProcessResponse(a *AgentSpec, resp *llms.Response, st *State) {
	st.Append(resp.Message)
	st.NeedsResponse = resp.Message.HasToolCalls()
}

func (s *ReAct) ExtractOutput(a *AgentSpec, st *State) (string, error) {
	if rs := stateFrom(st.Deps); rs != nil && rs.answer != "" {
		return rs.answer, nil
	}
	if msg, ok := st.LastAssistant(); ok {
		return msg.Text(), nil
	}
	return "", fmt.Errorf("run produced no assistant response")
}

func (s *ReAct) AfterTool(a *AgentSpec, call protocol.ToolCall, result string, st *State) {
	rs := stateFrom(st.Deps)
	if rs == nil {
		return
	}

	args, _ := json.Marshal(call.Arguments)
	signature := call.Name + ":" + string(args)
	rs.seen[signature]++
	if count := rs.seen[signature]; count > 1 {
		// Warn only; repeats can be legitimate (polling, pagination).
		slog.Warn("repeated identical tool call",
			"agent", a.Name,
			"tool", call.Name,
			"count", count)
	}

	if rs.phase == phaseDone {
		st.NeedsResponse = false
	}
}

func (s *ReAct) Tools(a *AgentSpec) []*tools.Tool {
	var out []*tools.Tool
	if a.Registry != nil {
		out = append(out, a.Registry.List()...)
	}
	return append(out, s.syntheticTools()...)
}

func (s *ReAct) syntheticTools() []*tools.Tool {
	textParam := func(desc string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": desc},
			},
			"required": []string{"text"},
		}
	}

	return []*tools.Tool{
		{
			Name:        "plan",
			Description: "Record your strategy for the task. Call this before acting.",
			Parameters:  textParam("The plan"),
			Handler: func(ec *tools.ExecContext, args map[string]any) (any, error) {
				rs, err := requireState(ec)
				if err != nil {
					return nil, err
				}
				rs.plan, _ = args["text"].(string)
				if rs.phase == phasePlanning {
					rs.phase = phaseActing
				}
				return "Plan recorded.", nil
			},
		},
		{
			Name:        "add_todo",
			Description: "Add a todo item for a step of the plan.",
			Parameters:  textParam("The todo item"),
			Handler: func(ec *tools.ExecContext, args map[string]any) (any, error) {
				rs, err := requireState(ec)
				if err != nil {
					return nil, err
				}
				text, _ := args["text"].(string)
				item := todoItem{ID: rs.nextID, Text: text}
				rs.nextID++
				rs.todos = append(rs.todos, item)
				return fmt.Sprintf("Added todo #%d: %s", item.ID, item.Text), nil
			},
		},
		{
			Name:        "complete_todo",
			Description: "Mark a todo item as done by its id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "integer", "description": "The todo id"},
				},
				"required": []string{"id"},
			},
			Handler: func(ec *tools.ExecContext, args map[string]any) (any, error) {
				rs, err := requireState(ec)
				if err != nil {
					return nil, err
				}
				id := intArg(args["id"])
				for i := range rs.todos {
					if rs.todos[i].ID == id {
						rs.todos[i].Done = true
						return fmt.Sprintf("Completed todo #%d", id), nil
					}
				}
				return fmt.Sprintf("No todo with id %d", id), nil
			},
		},
		{
			Name:        "list_todos",
			Description: "List all todo items and their status.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler: func(ec *tools.ExecContext, args map[string]any) (any, error) {
				rs, err := requireState(ec)
				if err != nil {
					return nil, err
				}
				if len(rs.todos) == 0 {
					return "No todos.", nil
				}
				var sb strings.Builder
				for _, todo := range rs.todos {
					mark := " "
					if todo.Done {
						mark = "x"
					}
					fmt.Fprintf(&sb, "[%s] #%d %s\n", mark, todo.ID, todo.Text)
				}
				return strings.TrimRight(sb.String(), "\n"), nil
			},
		},
		{
			Name:        "note",
			Description: "Record an observation worth remembering.",
			Parameters:  textParam("The observation"),
			Handler: func(ec *tools.ExecContext, args map[string]any) (any, error) {
				rs, err := requireState(ec)
				if err != nil {
					return nil, err
				}
				text, _ := args["text"].(string)
				rs.notes = append(rs.notes, text)
				return "Noted.", nil
			},
		},
		{
			Name:        "final_answer",
			Description: "Finish the task with the complete final answer.",
			Parameters:  textParam("The final answer"),
			Handler: func(ec *tools.ExecContext, args map[string]any) (any, error) {
				rs, err := requireState(ec)
				if err != nil {
					return nil, err
				}
				rs.answer, _ = args["text"].(string)
				rs.phase = phaseDone
				return "Final answer recorded.", nil
			},
		},
	}
}

// intArg accepts the integer encodings JSON decoding produces.
func intArg(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
