package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"

	"nexus/server/internal/errkind"
)

type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// Client wraps the OpenAI Responses API behind the Completer surface.
type Client struct {
	cfg     OpenAIConfig
	service responses.ResponseService
}

func NewClient(cfg OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	return &Client{
		cfg:     cfg,
		service: responses.NewResponseService(opts...),
	}
}

func (c *Client) Complete(ctx context.Context, instructions, input string) (string, error) {
	var params responses.ResponseNewParams
	if model := strings.TrimSpace(c.cfg.Model); model != "" {
		params.Model = model
	}
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		params.Instructions = param.NewOpt(instructions)
	}
	params.Input = responses.ResponseNewParamsInputUnion{OfString: param.NewOpt(input)}

	var rawBody []byte
	_, err := c.service.New(ctx, params, option.WithResponseBodyInto(&rawBody))
	if err != nil {
		return "", wrapAgentErr(ctx, err)
	}
	if len(rawBody) == 0 {
		return "", errkind.New(errkind.DriverTransport, "responses api returned empty body")
	}
	text, err := extractOutputText(rawBody)
	if err != nil {
		return "", err
	}
	return text, nil
}

type responsePayload struct {
	ID     string `json:"id"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

func extractOutputText(raw []byte) (string, error) {
	var decoded responsePayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", errkind.Wrap(errkind.DriverTransport, "decode responses payload failed", err)
	}
	var b strings.Builder
	for _, item := range decoded.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errkind.Newf(errkind.DriverTransport, "responses api produced no text response_id=%s", strings.TrimSpace(decoded.ID))
	}
	return text, nil
}

func wrapAgentErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errkind.Wrap(errkind.Timeout, "agent request timed out", err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return errkind.Wrap(errkind.Cancelled, "agent request canceled", err)
	default:
		return errkind.Wrap(errkind.DriverTransport, "agent request failed", err)
	}
}
