package diagnosis

import (
	"context"
	"log/slog"
	"strings"

	apperrors "github.com/yanqian/agrivision/pkg/errors"
)

// Service runs the diagnosis pipeline for one user action.
type Service interface {
	Diagnose(ctx context.Context, req Request) (Response, error)
}

// Invoker calls the hosted multimodal model.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (ModelReply, error)
}

// WeatherProvider reduces a weather lookup to a one-line fact. It never fails;
// problems collapse to WeatherUnavailable.
type WeatherProvider interface {
	FetchWeatherFact(ctx context.Context, city string) WeatherFact
}

type service struct {
	cfg     Config
	invoker Invoker
	weather WeatherProvider
	logger  *slog.Logger
}

// NewService wires up the diagnosis domain.
func NewService(cfg Config, weather WeatherProvider, invoker Invoker, logger *slog.Logger) Service {
	return &service{
		cfg:     cfg,
		invoker: invoker,
		weather: weather,
		logger:  logger.With("component", "diagnosis.service"),
	}
}

func (s *service) Diagnose(ctx context.Context, req Request) (Response, error) {
	if len(req.Image.Data) == 0 {
		return Response{}, apperrors.Wrap(apperrors.CodeInvalidInput, "image cannot be empty", nil)
	}
	if req.Image.Width <= 0 || req.Image.Height <= 0 {
		return Response{}, apperrors.Wrap(apperrors.CodeInvalidInput, "image dimensions must be positive", nil)
	}

	city := s.resolveCity(req.City)
	search := s.cfg.EnableSearch
	if req.EnableSearch != nil {
		search = *req.EnableSearch
	}

	weather := s.weather.FetchWeatherFact(ctx, city)
	s.logger.Info("diagnosis weather resolved", "city", city, "available", weather.Available())

	prompt := buildPrompt(city, weather, s.cfg.Market)
	reply, err := s.invoker.Invoke(ctx, Invocation{
		Image:        req.Image,
		Prompt:       prompt,
		EnableSearch: search,
	})

	var (
		result Result
		usage  = reply.Usage
	)
	if err != nil {
		s.logger.Error("diagnosis model invocation failed", "city", city, "search", search, "error", err)
		result = FailedResult(err)
	} else {
		result = Normalize(reply)
		if result.IsError {
			s.logger.Warn("diagnosis reply unparseable", "city", city, "error", result.Error)
		}
	}

	region := MapToPixels(result.BoundingBox, req.Image.Width, req.Image.Height)
	s.logger.Info("diagnosis completed",
		"city", city,
		"disease", result.DiseaseName,
		"is_error", result.IsError,
		"snippets", len(result.GroundingSnippets),
		"region_empty", region.Empty(),
	)

	res := Response{
		City:    city,
		Weather: weather,
		Result:  result,
		Region:  region,
	}
	if !usage.IsZero() {
		normalized := usage.Normalized()
		res.TokenUsage = &normalized
	}
	return res, nil
}

func (s *service) resolveCity(input string) string {
	if city := strings.TrimSpace(input); city != "" {
		return city
	}
	if city := strings.TrimSpace(s.cfg.DefaultCity); city != "" {
		return city
	}
	return "Sahiwal"
}
