package analysis

import (
	"context"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"rescuebot/internal/config"
)

const systemPrompt = "You analyze infrastructure alarms and the remediation that was attempted for them."

type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
	hasKey    bool
	logger    *slog.Logger
}

func NewOpenAI(cfg config.OpenAIConfig, logger *slog.Logger) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: cfg.MaxTokens,
		hasKey:    cfg.APIKey != "",
		logger:    logger,
	}
}

func (o *OpenAI) Analyze(ctx context.Context, req Request) string {
	if !o.hasKey {
		return Failure("OPENAI_API_KEY not configured")
	}
	chatReq := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt()},
		},
	}
	if o.maxTokens > 0 {
		chatReq.MaxCompletionTokens = o.maxTokens
	}
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("openai request failed", "record_id", req.RecordID, "err", err)
		}
		return Failure(err.Error())
	}
	if len(resp.Choices) == 0 {
		return Failure("no choices returned")
	}
	return resp.Choices[0].Message.Content
}
