package provider

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	rlmerrors "github.com/haasonsaas/rlm/internal/rlm/errors"
)

// Bedrock implements Provider against AWS Bedrock's Converse API,
// non-streaming. Used as the third configurable tier (e.g. depth 2) in
// the engine's depth-capped backend list.
type Bedrock struct {
	base         Base
	client       *bedrockruntime.Client
	defaultModel string
}

// BedrockConfig configures NewBedrock.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	MaxRetries      int
	DefaultModel    string
}

func NewBedrock(ctx context.Context, cfg BedrockConfig) (*Bedrock, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}

	return &Bedrock{
		base:         NewBase("bedrock", cfg.MaxRetries, 0),
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: defaultModel,
	}, nil
}

func (p *Bedrock) Name() string { return "bedrock" }

func (p *Bedrock) Chat(ctx context.Context, messages []Message, overrides Overrides) (Reply, error) {
	sys, rest := system(messages)

	input := &bedrockruntime.ConverseInput{
		ModelId:  &p.defaultModel,
		Messages: toBedrockMessages(rest),
	}
	if sys != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: sys}}
	}
	inferenceCfg := &types.InferenceConfiguration{}
	if overrides.MaxTokens > 0 {
		maxTokens := int32(overrides.MaxTokens)
		inferenceCfg.MaxTokens = &maxTokens
	}
	if overrides.Temperature != nil {
		temp := float32(*overrides.Temperature)
		inferenceCfg.Temperature = &temp
	}
	input.InferenceConfig = inferenceCfg

	var out *bedrockruntime.ConverseOutput
	err := p.base.Retry(ctx, rlmerrors.IsRetryable, func() error {
		var callErr error
		out, callErr = p.client.Converse(ctx, input)
		if callErr != nil {
			return rlmerrors.New(classify(callErr), "provider:bedrock", 0, "", callErr)
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}

	outMsg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || len(outMsg.Value.Content) == 0 {
		return Reply{}, rlmerrors.New(rlmerrors.ReasonInvalidReply, "provider:bedrock", 0, "empty converse output", nil)
	}

	var text string
	for _, block := range outMsg.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}

	var promptTokens, completionTokens int64
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			promptTokens = int64(*out.Usage.InputTokens)
		}
		if out.Usage.OutputTokens != nil {
			completionTokens = int64(*out.Usage.OutputTokens)
		}
	}

	return Reply{Text: text, PromptTokens: promptTokens, CompletionTokens: completionTokens}, nil
}

func toBedrockMessages(messages []Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		role := types.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return out
}
