package openai

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/yanqian/agrivision/internal/domain/diagnosis"
	apperrors "github.com/yanqian/agrivision/pkg/errors"
	"github.com/yanqian/agrivision/pkg/metrics"
)

const defaultModel = goopenai.GPT4oMini

// Config controls the OpenAI-compatible invoker.
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       *float32
	SystemInstruction string
}

// Client invokes an OpenAI-compatible chat completion endpoint with an inline image.
type Client struct {
	cfg    Config
	client *goopenai.Client
	logger *slog.Logger
}

var _ diagnosis.Invoker = (*Client)(nil)

// NewClient builds the invoker.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "openai api key is required", nil)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	return &Client{
		cfg:    cfg,
		client: goopenai.NewClientWithConfig(clientCfg),
		logger: logger.With("component", "llm.openai"),
	}, nil
}

// Invoke sends one chat completion. Web search is not available on this provider.
func (c *Client) Invoke(ctx context.Context, inv diagnosis.Invocation) (diagnosis.ModelReply, error) {
	if inv.EnableSearch {
		c.logger.Debug("search grounding not supported, ignoring", "model", c.cfg.Model)
	}

	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(inv))
	if err != nil {
		return diagnosis.ModelReply{}, apperrors.Wrap(apperrors.CodeInvocation, "openai request failed", err)
	}
	reply, err := replyFromCompletion(resp)
	if err != nil {
		return diagnosis.ModelReply{}, err
	}
	c.logger.Info("openai reply received", "model", c.cfg.Model, "total_tokens", reply.Usage.TotalTokens)
	return reply, nil
}

func (c *Client) buildRequest(inv diagnosis.Invocation) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if instr := strings.TrimSpace(c.cfg.SystemInstruction); instr != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: instr,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role: goopenai.ChatMessageRoleUser,
		MultiContent: []goopenai.ChatMessagePart{
			{Type: goopenai.ChatMessagePartTypeText, Text: inv.Prompt},
			{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL:    dataURL(inv.Image),
					Detail: goopenai.ImageURLDetailAuto,
				},
			},
		},
	})

	req := goopenai.ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if c.cfg.Temperature != nil {
		req.Temperature = *c.cfg.Temperature
	}
	return req
}

func replyFromCompletion(resp goopenai.ChatCompletionResponse) (diagnosis.ModelReply, error) {
	if len(resp.Choices) == 0 {
		return diagnosis.ModelReply{}, apperrors.Wrap(apperrors.CodeInvocation, "openai returned no choices", nil)
	}
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if raw == "" {
		return diagnosis.ModelReply{}, apperrors.Wrap(apperrors.CodeInvocation, "openai returned empty payload", nil)
	}
	return diagnosis.ModelReply{
		RawText: raw,
		Usage: metrics.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func dataURL(img diagnosis.Image) string {
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
