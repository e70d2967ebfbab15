package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/yanqian/agrivision/internal/domain/diagnosis"
	apperrors "github.com/yanqian/agrivision/pkg/errors"
	"github.com/yanqian/agrivision/pkg/metrics"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llava"
)

// Config controls the local Ollama invoker.
type Config struct {
	BaseURL           string
	Model             string
	Temperature       *float32
	SystemInstruction string
}

// Client talks to a local vision model served by Ollama.
type Client struct {
	cfg    Config
	client *api.Client
	logger *slog.Logger
}

var _ diagnosis.Invoker = (*Client)(nil)

// NewClient builds the invoker. Only scheme and host of BaseURL are used.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = defaultBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, fmt.Sprintf("invalid ollama url %q", raw), err)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &Client{
		cfg:    cfg,
		client: api.NewClient(base, httpClient),
		logger: logger.With("component", "llm.ollama"),
	}, nil
}

// Invoke runs a single non-streaming chat turn in JSON mode.
func (c *Client) Invoke(ctx context.Context, inv diagnosis.Invocation) (diagnosis.ModelReply, error) {
	if inv.EnableSearch {
		c.logger.Debug("search grounding not supported, ignoring", "model", c.cfg.Model)
	}

	streamFalse := false
	options := map[string]any{}
	if c.cfg.Temperature != nil {
		options["temperature"] = *c.cfg.Temperature
	}
	messages := make([]api.Message, 0, 2)
	if instr := strings.TrimSpace(c.cfg.SystemInstruction); instr != "" {
		messages = append(messages, api.Message{Role: "system", Content: instr})
	}
	messages = append(messages, api.Message{
		Role:    "user",
		Content: inv.Prompt,
		Images:  []api.ImageData{api.ImageData(inv.Image.Data)},
	})
	req := &api.ChatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   &streamFalse,
		Format:   json.RawMessage(`"json"`),
		Options:  options,
	}

	var (
		content strings.Builder
		usage   metrics.TokenUsage
	)
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			usage = metrics.TokenUsage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return diagnosis.ModelReply{}, apperrors.Wrap(apperrors.CodeInvocation, "ollama chat failed", err)
	}

	raw := strings.TrimSpace(content.String())
	if raw == "" {
		return diagnosis.ModelReply{}, apperrors.Wrap(apperrors.CodeInvocation, "ollama returned empty payload", nil)
	}
	c.logger.Info("ollama reply received", "model", c.cfg.Model, "eval_tokens", usage.CompletionTokens)
	return diagnosis.ModelReply{RawText: raw, Usage: usage.Normalized()}, nil
}
