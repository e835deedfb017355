package provider

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	rlmerrors "github.com/haasonsaas/rlm/internal/rlm/errors"
)

// OpenAI implements Provider against GPT models, non-streaming. Used as
// a configurable "deeper" backend (e.g. depth 1) in a multi-tier setup.
type OpenAI struct {
	base         Base
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures NewOpenAI.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	DefaultModel string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		base:         NewBase("openai", cfg.MaxRetries, 0),
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: defaultModel,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Chat(ctx context.Context, messages []Message, overrides Overrides) (Reply, error) {
	model := p.defaultModel

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
	}
	if overrides.MaxTokens > 0 {
		req.MaxTokens = overrides.MaxTokens
	}
	if overrides.Temperature != nil {
		req.Temperature = float32(*overrides.Temperature)
	}

	var resp openai.ChatCompletionResponse
	err := p.base.Retry(ctx, rlmerrors.IsRetryable, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, req)
		if callErr != nil {
			return rlmerrors.New(classify(callErr), "provider:openai", 0, "", callErr)
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	if len(resp.Choices) == 0 {
		return Reply{}, rlmerrors.New(rlmerrors.ReasonInvalidReply, "provider:openai", 0, "empty choices", nil)
	}

	return Reply{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
