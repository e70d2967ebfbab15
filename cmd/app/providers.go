package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/agrivision/internal/domain/diagnosis"
	"github.com/yanqian/agrivision/internal/domain/session"
	"github.com/yanqian/agrivision/internal/infra/blobstore"
	"github.com/yanqian/agrivision/internal/infra/config"
	"github.com/yanqian/agrivision/internal/infra/imageproc"
	"github.com/yanqian/agrivision/internal/infra/llm/gemini"
	"github.com/yanqian/agrivision/internal/infra/llm/ollama"
	"github.com/yanqian/agrivision/internal/infra/llm/openai"
	"github.com/yanqian/agrivision/internal/infra/sessionstore"
	"github.com/yanqian/agrivision/internal/infra/weather/openweather"
	apperrors "github.com/yanqian/agrivision/pkg/errors"
)

func provideDiagnosisConfig(cfg *config.Config) diagnosis.Config {
	return diagnosis.Config{
		DefaultCity:  cfg.Diagnosis.DefaultCity,
		Market:       cfg.Diagnosis.Market,
		EnableSearch: cfg.LLM.EnableSearch,
	}
}

func provideSessionConfig(cfg *config.Config) session.Config {
	return session.Config{TTL: cfg.Session.TTL}
}

func provideWeatherClient(cfg *config.Config, logger *slog.Logger) *openweather.Client {
	if strings.TrimSpace(cfg.Weather.APIKey) == "" {
		logger.Warn("weather api key not set, prompts will run without weather context")
	}
	return openweather.NewClient(cfg.Weather.BaseURL, cfg.Weather.APIKey, cfg.Weather.Units, cfg.Weather.Timeout, logger)
}

func provideInvoker(cfg *config.Config, logger *slog.Logger) (diagnosis.Invoker, error) {
	llm := cfg.LLM
	switch llm.Provider {
	case config.ProviderGemini:
		safety := make([]gemini.SafetySetting, 0, len(llm.Safety))
		for _, s := range llm.Safety {
			safety = append(safety, gemini.SafetySetting{Category: s.Category, Threshold: s.Threshold})
		}
		return gemini.NewClient(context.Background(), gemini.Config{
			APIKey:            llm.APIKey,
			BaseURL:           llm.BaseURL,
			Model:             llm.Model,
			Temperature:       llm.Temperature,
			SystemInstruction: llm.SystemInstruction,
			Safety:            safety,
		}, logger)
	case config.ProviderOpenAI:
		return openai.NewClient(openai.Config{
			APIKey:            llm.APIKey,
			BaseURL:           llm.BaseURL,
			Model:             llm.Model,
			Temperature:       llm.Temperature,
			SystemInstruction: llm.SystemInstruction,
		}, logger)
	case config.ProviderOllama:
		return ollama.NewClient(ollama.Config{
			BaseURL:           llm.BaseURL,
			Model:             llm.Model,
			Temperature:       llm.Temperature,
			SystemInstruction: llm.SystemInstruction,
		}, nil, logger)
	default:
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, fmt.Sprintf("unsupported llm provider %q", llm.Provider), nil)
	}
}

func provideSessionStore(cfg *config.Config, logger *slog.Logger) session.Store {
	if cfg.Session.Redis.Enabled {
		opt, err := buildValkeyOptions(cfg)
		if err != nil {
			logger.Error("invalid valkey configuration, falling back to memory store", "error", err)
			return sessionstore.NewMemoryStore()
		}
		client, err := valkey.NewClient(opt)
		if err != nil {
			logger.Error("failed to create valkey client, falling back to memory store", "error", err)
			return sessionstore.NewMemoryStore()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
			logger.Error("valkey ping failed, falling back to memory store", "error", err)
			client.Close()
		} else {
			logger.Info("session valkey store enabled", "addr", cfg.Session.Redis.Addr)
			return sessionstore.NewValkeyStore(client, cfg.Session.Redis.Prefix)
		}
	}
	return sessionstore.NewMemoryStore()
}

func provideObjectStorage(cfg *config.Config, logger *slog.Logger) (session.ObjectStorage, error) {
	storage := cfg.Session.Storage
	if storage.Driver != config.StorageS3 {
		return blobstore.NewMemoryStorage(), nil
	}
	store, err := blobstore.NewS3Storage(blobstore.S3Options{
		Endpoint:  storage.Endpoint,
		AccessKey: storage.AccessKey,
		SecretKey: storage.SecretKey,
		Bucket:    storage.Bucket,
		Region:    storage.Region,
	}, logger)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "init object storage", err)
	}
	logger.Info("session s3 storage enabled", "bucket", storage.Bucket)
	return store, nil
}

func provideInspector(cfg *config.Config) session.Inspector {
	return imageproc.Inspector{MaxPixels: cfg.LLM.MaxImagePixels}
}

func buildValkeyOptions(cfg *config.Config) (valkey.ClientOption, error) {
	if strings.Contains(cfg.Session.Redis.Addr, "://") {
		return valkey.ParseURL(cfg.Session.Redis.Addr)
	}
	return valkey.ClientOption{InitAddress: []string{cfg.Session.Redis.Addr}}, nil
}
