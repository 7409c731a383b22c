package agent

import "context"

// Step is one planned agent-driven action.
type Step struct {
	Description string `json:"description"`
	Command     string `json:"command"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// Planner turns a natural-language command into a finite step sequence.
type Planner interface {
	Plan(ctx context.Context, command string) ([]Step, error)
}

// Completer is the minimal LLM surface the planner and binding need. The
// OpenAI client implements it; tests substitute a stub.
type Completer interface {
	Complete(ctx context.Context, instructions, input string) (string, error)
}
