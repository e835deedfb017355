package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	rlmerrors "github.com/haasonsaas/rlm/internal/rlm/errors"
)

// Anthropic implements Provider against Claude models via the official
// SDK, non-streaming. It is the engine's default root (depth 0) backend.
type Anthropic struct {
	base         Base
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures NewAnthropic.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	DefaultModel string
}

// NewAnthropic validates config and builds a ready-to-use Anthropic
// provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		base:         NewBase("anthropic", cfg.MaxRetries, 0),
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Chat(ctx context.Context, messages []Message, overrides Overrides) (Reply, error) {
	sys, rest := system(messages)

	model := p.defaultModel
	maxTokens := int64(4096)
	if overrides.MaxTokens > 0 {
		maxTokens = int64(overrides.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(rest),
	}
	if sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if overrides.Temperature != nil {
		params.Temperature = anthropic.Float(*overrides.Temperature)
	}

	var msg *anthropic.Message
	err := p.base.Retry(ctx, rlmerrors.IsRetryable, func() error {
		var callErr error
		msg, callErr = p.client.Messages.New(ctx, params)
		if callErr != nil {
			return rlmerrors.New(classify(callErr), "provider:anthropic", 0, "", callErr)
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return Reply{
		Text:             text,
		PromptTokens:     msg.Usage.InputTokens,
		CompletionTokens: msg.Usage.OutputTokens,
	}, nil
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(block))
		default:
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

// classify maps a raw SDK/transport error to an errors.Reason using the
// same substring heuristics the teacher's provider error classifier
// applies to HTTP/SDK errors.
func classify(err error) rlmerrors.Reason {
	return rlmerrors.ClassifyTransport(err)
}
