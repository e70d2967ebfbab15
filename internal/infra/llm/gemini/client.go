package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/yanqian/agrivision/internal/domain/diagnosis"
	apperrors "github.com/yanqian/agrivision/pkg/errors"
	"github.com/yanqian/agrivision/pkg/metrics"
)

const (
	defaultModel    = "gemini-3-flash-preview"
	jsonContentType = "application/json"

	searchInstruction = "Use Google Search to find real medicine links."
)

// SafetySetting pairs a harm category with a block threshold, using the API enum names
// (for example HARM_CATEGORY_DANGEROUS_CONTENT / BLOCK_ONLY_HIGH).
type SafetySetting struct {
	Category  string
	Threshold string
}

// Config controls the Gemini invoker.
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       *float32
	SystemInstruction string
	Safety            []SafetySetting
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Client invokes Gemini with an image, the diagnosis prompt and optional Google Search grounding.
type Client struct {
	cfg      Config
	generate generateFunc
	logger   *slog.Logger
}

var _ diagnosis.Invoker = (*Client)(nil)

// NewClient builds a Gemini API client.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "gemini api key is required", nil)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "create gemini client", err)
	}
	return &Client{
		cfg: cfg,
		generate: func(ctx context.Context, model string, contents []*genai.Content, gc *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			return client.Models.GenerateContent(ctx, model, contents, gc)
		},
		logger: logger.With("component", "llm.gemini"),
	}, nil
}

// Invoke sends one multimodal request. No retries.
func (c *Client) Invoke(ctx context.Context, inv diagnosis.Invocation) (diagnosis.ModelReply, error) {
	mimeType := inv.Image.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(inv.Image.Data, mimeType),
			genai.NewPartFromText(inv.Prompt),
		}, genai.RoleUser),
	}

	c.logger.Debug("gemini request", "model", c.cfg.Model, "search", inv.EnableSearch, "image_bytes", len(inv.Image.Data))
	resp, err := c.generate(ctx, c.cfg.Model, contents, c.generateConfig(inv.EnableSearch))
	if err != nil {
		return diagnosis.ModelReply{}, apperrors.Wrap(apperrors.CodeInvocation, "gemini request failed", err)
	}

	reply, err := replyFromResponse(resp)
	if err != nil {
		return diagnosis.ModelReply{}, err
	}
	c.logger.Info("gemini reply received",
		"model", c.cfg.Model,
		"snippets", len(reply.GroundingSnippets),
		"sources", len(reply.Sources),
		"total_tokens", reply.Usage.TotalTokens,
	)
	return reply, nil
}

func (c *Client) generateConfig(search bool) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: c.cfg.Temperature,
	}
	instr := strings.TrimSpace(c.cfg.SystemInstruction)
	if search {
		instr = strings.TrimSpace(instr + " " + searchInstruction)
	}
	if instr != "" {
		gc.SystemInstruction = genai.NewContentFromText(instr, genai.RoleUser)
	}
	for _, s := range c.cfg.Safety {
		gc.SafetySettings = append(gc.SafetySettings, &genai.SafetySetting{
			Category:  genai.HarmCategory(strings.ToUpper(strings.TrimSpace(s.Category))),
			Threshold: genai.HarmBlockThreshold(strings.ToUpper(strings.TrimSpace(s.Threshold))),
		})
	}
	if search {
		// JSON mode is rejected by the API when tools are attached.
		gc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	} else {
		gc.ResponseMIMEType = jsonContentType
	}
	return gc
}

func replyFromResponse(resp *genai.GenerateContentResponse) (diagnosis.ModelReply, error) {
	if resp == nil {
		return diagnosis.ModelReply{}, apperrors.Wrap(apperrors.CodeInvocation, "gemini returned no response", nil)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return diagnosis.ModelReply{}, apperrors.Wrap(apperrors.CodeInvocation,
			fmt.Sprintf("gemini blocked prompt: %s", resp.PromptFeedback.BlockReason), nil)
	}

	var (
		text     strings.Builder
		snippets []string
		sources  []diagnosis.Source
		seen     = make(map[string]struct{})
	)
	// The answer comes from the first candidate only; grounding is gathered from all.
	for i, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		if i == 0 && cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part == nil || part.Thought {
					continue
				}
				text.WriteString(part.Text)
			}
		}
		meta := cand.GroundingMetadata
		if meta == nil {
			continue
		}
		if meta.SearchEntryPoint != nil && meta.SearchEntryPoint.RenderedContent != "" {
			snippets = append(snippets, meta.SearchEntryPoint.RenderedContent)
		}
		for _, chunk := range meta.GroundingChunks {
			if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			if _, ok := seen[chunk.Web.URI]; ok {
				continue
			}
			seen[chunk.Web.URI] = struct{}{}
			sources = append(sources, diagnosis.Source{Title: chunk.Web.Title, URI: chunk.Web.URI})
		}
	}

	raw := strings.TrimSpace(text.String())
	if raw == "" {
		return diagnosis.ModelReply{}, apperrors.Wrap(apperrors.CodeInvocation, "gemini returned empty payload", nil)
	}

	reply := diagnosis.ModelReply{
		RawText:           raw,
		GroundingSnippets: snippets,
		Sources:           sources,
	}
	if usage := resp.UsageMetadata; usage != nil {
		reply.Usage = metrics.TokenUsage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}
	return reply, nil
}
