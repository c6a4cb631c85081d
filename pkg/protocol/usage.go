package protocol

// Usage accumulates token and request counters for a run. Counters only
// grow; Add sums two accumulators so per-run usage can be rolled up across
// runs (eval suites, optimizer trials).
type Usage struct {
	Requests     int `json:"requests"`
	ToolCalls    int `json:"tool_calls"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.Requests += other.Requests
	u.ToolCalls += other.ToolCalls
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

func (u *Usage) AddRequest() {
	u.Requests++
}

func (u *Usage) AddToolCalls(n int) {
	u.ToolCalls += n
}

func (u *Usage) AddTokens(input, output int) {
	u.InputTokens += input
	u.OutputTokens += output
	u.TotalTokens += input + output
}
