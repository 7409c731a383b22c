package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"nexus/server/internal/errkind"
)

// Directives are the behavioral rules every session binding carries.
const Directives = `Auto-accept permission popups when they appear.
Do not log in to any account unless the user explicitly asks.
Minimize the number of steps taken on the device.`

// Binding couples a completer with the session context string built at
// connect time. It implements the driver's Actor seam.
type Binding struct {
	completer   Completer
	contextText string
}

func NewBinding(completer Completer, contextText string) *Binding {
	return &Binding{completer: completer, contextText: strings.TrimSpace(contextText)}
}

func (b *Binding) Act(ctx context.Context, instruction string) (string, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return "", errkind.New(errkind.Validation, "instruction is required")
	}
	return b.completer.Complete(ctx, b.instructions(), instruction)
}

func (b *Binding) Query(ctx context.Context, schema string) (json.RawMessage, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return nil, errkind.New(errkind.Validation, "schema is required")
	}
	prompt := "Inspect the current screen and reply with JSON matching this schema, nothing else:\n" + schema
	reply, err := b.completer.Complete(ctx, b.instructions(), prompt)
	if err != nil {
		return nil, err
	}
	raw := extractJSONObject(reply)
	if raw == "" {
		return nil, errkind.New(errkind.DriverTransport, "agent query reply was not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func (b *Binding) instructions() string {
	if b.contextText == "" {
		return Directives
	}
	return b.contextText + "\n\n" + Directives
}

func extractJSONObject(reply string) string {
	text := strings.TrimSpace(reply)
	if strings.Contains(text, "```") {
		text = stripFence(text)
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	var end int
	if text[start] == '{' {
		end = strings.LastIndex(text, "}")
	} else {
		end = strings.LastIndex(text, "]")
	}
	if end <= start {
		return ""
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return ""
	}
	return candidate
}
