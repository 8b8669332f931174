// Package aiclient is the concrete transport.PlannerClient: it turns a
// planner chat exchange into an Anthropic Claude Messages request and
// decodes the reply back into proposed changes.
package aiclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/planner"
	"github.com/jony/caldav-reconciler/internal/transport"
)

// defaultModel is used when AIConfig.Model is empty.
const defaultModel = "claude-sonnet-4-5-20250929"

// MessagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake instead of calling the real API.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements transport.PlannerClient on top of Anthropic Claude.
type Client struct {
	msg         MessagesClient
	model       string
	maxTokens   int
	temperature float64
	configured  bool
}

// New builds a Client from the ai configuration section. An empty
// APIKey yields a Client with IsConfigured() == false rather than an
// error, so a reconciler run can proceed in caldav-only mode with
// replanning disabled.
func New(cfg models.AIConfig) *Client {
	if cfg.APIKey == "" {
		return &Client{configured: false}
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	ac := sdk.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		msg:         &ac.Messages,
		model:       model,
		maxTokens:   4096,
		temperature: 0,
		configured:  true,
	}
}

var _ transport.PlannerClient = (*Client)(nil)

// IsConfigured reports whether an API key was supplied.
func (c *Client) IsConfigured() bool {
	return c.configured
}

// Generate sends messages (a system prompt followed by the payload as a
// single user turn, per internal/planner.BuildMessages) to Claude and
// normalizes the reply into proposed changes.
func (c *Client) Generate(ctx context.Context, messages []transport.PlannerMessage) (transport.PlannerResponse, error) {
	if !c.configured {
		return transport.PlannerResponse{}, errors.New("aiclient: not configured")
	}
	params, err := c.buildParams(messages)
	if err != nil {
		return transport.PlannerResponse{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return transport.PlannerResponse{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	text := extractText(msg)
	return transport.PlannerResponse{Changes: planner.NormalizeChanges(text)}, nil
}

func (c *Client) buildParams(messages []transport.PlannerMessage) (sdk.MessageNewParams, error) {
	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case "system":
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case "user":
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("aiclient: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return sdk.MessageNewParams{}, errors.New("aiclient: at least one user message is required")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	return params, nil
}

func extractText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// Test issues a minimal request to confirm the configured API key and
// model are reachable.
func (c *Client) Test(ctx context.Context) (bool, string) {
	if !c.configured {
		return false, "no API key configured"
	}
	_, err := c.Generate(ctx, []transport.PlannerMessage{
		{Role: "user", Content: `Reply with exactly: {"changes":[]}`},
	})
	if err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

// ListModels returns the catalog of Claude model identifiers this
// client can target: a static catalog of the current Claude model
// family rather than a live API call.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		defaultModel,
		"claude-opus-4-1-20250805",
		"claude-haiku-4-5-20251001",
	}, nil
}
