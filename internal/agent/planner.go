package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"nexus/server/internal/logging"
)

const plannerInstructions = `You plan Android device automation.
Given a user command, reply with a JSON array of steps, nothing else:
[{"description": "<short human description>", "command": "<one atomic device instruction>", "recoverable": false}]
Mark a step "recoverable": true only when the overall task can still succeed if that step fails.
Keep the plan minimal.`

// OpenAIPlanner produces the step sequence for a task command.
type OpenAIPlanner struct {
	completer Completer
	logger    *slog.Logger
}

func NewOpenAIPlanner(completer Completer, logger *slog.Logger) *OpenAIPlanner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &OpenAIPlanner{completer: completer, logger: logger.With("module", "planner")}
}

func (p *OpenAIPlanner) Plan(ctx context.Context, command string) ([]Step, error) {
	command = strings.TrimSpace(command)
	reply, err := p.completer.Complete(ctx, plannerInstructions, command)
	if err != nil {
		return nil, err
	}
	steps := parsePlan(reply)
	if len(steps) == 0 {
		// Non-JSON reply degrades to a single-step plan driven by the raw command.
		p.logger.Warn("planner reply was not a step array, using single-step plan", "reply_len", len(reply))
		steps = []Step{{Description: command, Command: command}}
	}
	return steps, nil
}

// parsePlan tolerates fenced code blocks and prose around the JSON array.
func parsePlan(reply string) []Step {
	text := strings.TrimSpace(reply)
	if strings.Contains(text, "```") {
		text = stripFence(text)
	}
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	parsed := gjson.Parse(text[start : end+1])
	if !parsed.IsArray() {
		return nil
	}
	steps := []Step{}
	for _, item := range parsed.Array() {
		command := strings.TrimSpace(item.Get("command").String())
		if command == "" {
			continue
		}
		description := strings.TrimSpace(item.Get("description").String())
		if description == "" {
			description = command
		}
		steps = append(steps, Step{
			Description: description,
			Command:     command,
			Recoverable: item.Get("recoverable").Bool(),
		})
	}
	return steps
}

func stripFence(text string) string {
	first := strings.Index(text, "```")
	rest := text[first+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	if closing := strings.Index(rest, "```"); closing >= 0 {
		rest = rest[:closing]
	}
	return strings.TrimSpace(rest)
}
