package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/auth/bearer"

	"rescuebot/internal/config"
)

const anthropicVersion = "bedrock-2023-05-31"

// Bedrock invokes an Anthropic model on Amazon Bedrock with a bearer API key.
type Bedrock struct {
	client    *bedrockruntime.Client
	modelID   string
	hasToken  bool
	maxTokens int
	logger    *slog.Logger
}

func NewBedrock(cfg config.BedrockConfig, logger *slog.Logger) *Bedrock {
	return newBedrock(cfg, &http.Client{}, logger)
}

func newBedrock(cfg config.BedrockConfig, httpClient aws.HTTPClient, logger *slog.Logger) *Bedrock {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	awsCfg := aws.Config{
		Region:           region,
		HTTPClient:       httpClient,
		RetryMaxAttempts: 1,
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	token := cfg.BearerToken
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		// No SigV4 credentials are set, so the bearer scheme is selected.
		o.BearerAuthTokenProvider = bearer.StaticTokenProvider{Token: bearer.Token{Value: token}}
	})
	return &Bedrock{
		client:    client,
		modelID:   cfg.ModelID,
		hasToken:  token != "",
		maxTokens: maxTokens,
		logger:    logger,
	}
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (b *Bedrock) Analyze(ctx context.Context, req Request) string {
	if !b.hasToken {
		return Failure("AWS_BEARER_TOKEN_BEDROCK not configured")
	}
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        b.maxTokens,
		Messages:         []bedrockMessage{{Role: "user", Content: req.Prompt()}},
	})
	if err != nil {
		return Failure(err.Error())
	}
	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		b.logWarn("bedrock request failed", req.RecordID, err)
		return Failure(describeError(err))
	}
	var out bedrockResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Failure(err.Error())
	}
	if len(out.Content) == 0 {
		return Failure("empty response content")
	}
	return out.Content[0].Text
}

// describeError renders service responses as "HTTP <code> - <message>".
func describeError(err error) string {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		return err.Error()
	}
	msg := respErr.Err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorMessage() != "" {
		msg = apiErr.ErrorMessage()
	}
	return fmt.Sprintf("HTTP %d - %s", respErr.HTTPStatusCode(), msg)
}

func (b *Bedrock) logWarn(msg string, recordID int64, err error) {
	if b.logger != nil {
		b.logger.Warn(msg, "record_id", recordID, "err", err)
	}
}
