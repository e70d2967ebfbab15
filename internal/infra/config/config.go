package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/yanqian/agrivision/pkg/errors"
)

// Supported model providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Supported blob storage drivers.
const (
	StorageMemory = "memory"
	StorageS3     = "s3"
)

// Config aggregates runtime configuration used across the service.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	LLM       LLMConfig       `yaml:"llm"`
	Weather   WeatherConfig   `yaml:"weather"`
	Diagnosis DiagnosisConfig `yaml:"diagnosis"`
	Session   SessionConfig   `yaml:"session"`
}

// HTTPConfig controls server level behavior.
type HTTPConfig struct {
	Address           string          `yaml:"address"`
	ReadTimeout       time.Duration   `yaml:"readTimeout"`
	WriteTimeout      time.Duration   `yaml:"writeTimeout"`
	MaxUploadBytes    int64           `yaml:"maxUploadBytes"`
	SanitizeGrounding bool            `yaml:"sanitizeGrounding"`
	AllowedOrigins    []string        `yaml:"allowedOrigins"`
	TrustedProxies    []string        `yaml:"trustedProxies"`
	RateLimit         RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig drives the request limiting middleware.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requestsPerMinute"`
	Burst             int  `yaml:"burst"`
}

// LLMConfig selects and tunes the hosted multimodal model.
type LLMConfig struct {
	Provider          string         `yaml:"provider"`
	APIKey            string         `yaml:"apiKey"`
	BaseURL           string         `yaml:"baseUrl"`
	Model             string         `yaml:"model"`
	Temperature       *float32       `yaml:"temperature"`
	EnableSearch      bool           `yaml:"enableSearch"`
	SystemInstruction string         `yaml:"systemInstruction"`
	Safety            []SafetyConfig `yaml:"safety"`
	MaxImageDim       int            `yaml:"maxImageDim"`
	MaxImagePixels    int            `yaml:"maxImagePixels"`
	JPEGQuality       int            `yaml:"jpegQuality"`
}

// SafetyConfig is one harm category threshold (Gemini only).
type SafetyConfig struct {
	Category  string `yaml:"category"`
	Threshold string `yaml:"threshold"`
}

// WeatherConfig controls the OpenWeatherMap lookup.
type WeatherConfig struct {
	APIKey  string        `yaml:"apiKey"`
	BaseURL string        `yaml:"baseUrl"`
	Units   string        `yaml:"units"`
	Timeout time.Duration `yaml:"timeout"`
}

// DiagnosisConfig holds prompt level defaults.
type DiagnosisConfig struct {
	DefaultCity string `yaml:"defaultCity"`
	Market      string `yaml:"market"`
}

// SessionConfig controls capture sessions.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Redis         RedisConfig   `yaml:"redis"`
	Storage       StorageConfig `yaml:"storage"`
}

// RedisConfig contains connection information for session storage.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Prefix  string `yaml:"prefix"`
}

// StorageConfig selects where captured photos live.
type StorageConfig struct {
	Driver    string `yaml:"driver"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

// Load reads configuration from a YAML file and environment variables.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := hydrateFromFile(cfg, path); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeConfiguration, "load config", err)
		}
	} else if _, err := os.Stat("configs/config.yaml"); err == nil {
		if err := hydrateFromFile(cfg, "configs/config.yaml"); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeConfiguration, "load config", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "invalid config", err)
	}

	return cfg, nil
}

func hydrateFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HTTP_ADDRESS"); v != "" {
		cfg.HTTP.Address = v
	}
	if v := os.Getenv("HTTP_MAX_UPLOAD_BYTES"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HTTP.MaxUploadBytes = parsed
		}
	}
	if v := os.Getenv("HTTP_SANITIZE_GROUNDING"); v != "" {
		cfg.HTTP.SanitizeGrounding = parseBool(v)
	}
	if v := os.Getenv("HTTP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("HTTP_TRUSTED_PROXIES"); v != "" {
		cfg.HTTP.TrustedProxies = splitList(v)
	}
	if v := os.Getenv("HTTP_RATE_LIMIT_ENABLED"); v != "" {
		cfg.HTTP.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("HTTP_RATE_LIMIT_RPM"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.RateLimit.RequestsPerMinute = parsed
		}
	}
	if v := os.Getenv("HTTP_RATE_LIMIT_BURST"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.RateLimit.Burst = parsed
		}
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" && cfg.LLM.Provider == ProviderGemini {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 32); err == nil {
			temp := float32(parsed)
			cfg.LLM.Temperature = &temp
		}
	}
	if v := os.Getenv("LLM_ENABLE_SEARCH"); v != "" {
		cfg.LLM.EnableSearch = parseBool(v)
	}
	if v := os.Getenv("LLM_SYSTEM_INSTRUCTION"); v != "" {
		cfg.LLM.SystemInstruction = v
	}
	if v := os.Getenv("LLM_MAX_IMAGE_DIM"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxImageDim = parsed
		}
	}
	if v := os.Getenv("LLM_MAX_IMAGE_PIXELS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxImagePixels = parsed
		}
	}

	if v := os.Getenv("WEATHER_API_KEY"); v != "" {
		cfg.Weather.APIKey = v
	}
	if v := os.Getenv("WEATHER_BASE_URL"); v != "" {
		cfg.Weather.BaseURL = v
	}
	if v := os.Getenv("WEATHER_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Weather.Timeout = parsed
		}
	}

	if v := os.Getenv("DIAGNOSIS_DEFAULT_CITY"); v != "" {
		cfg.Diagnosis.DefaultCity = v
	}
	if v := os.Getenv("DIAGNOSIS_MARKET"); v != "" {
		cfg.Diagnosis.Market = v
	}

	if v := os.Getenv("SESSION_TTL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Session.TTL = parsed
		}
	}
	if v := os.Getenv("SESSION_SWEEP_INTERVAL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Session.SweepInterval = parsed
		}
	}
	if v := os.Getenv("SESSION_REDIS_ENABLED"); v != "" {
		cfg.Session.Redis.Enabled = parseBool(v)
	}
	if v := os.Getenv("SESSION_REDIS_ADDR"); v != "" {
		cfg.Session.Redis.Addr = v
	}
	if v := os.Getenv("SESSION_STORAGE_DRIVER"); v != "" {
		cfg.Session.Storage.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.Session.Storage.Endpoint = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.Session.Storage.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.Session.Storage.SecretKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Session.Storage.Bucket = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.Session.Storage.Region = v
	}
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      120 * time.Second,
			MaxUploadBytes:    10 << 20,
			SanitizeGrounding: true,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 30,
				Burst:             10,
			},
		},
		LLM: LLMConfig{
			Provider:          ProviderGemini,
			Model:             "gemini-3-flash-preview",
			EnableSearch:      true,
			SystemInstruction: "You are an agronomy assistant helping farmers diagnose plant leaf diseases.",
			MaxImageDim:       1536,
			MaxImagePixels:    40_000_000,
			JPEGQuality:       85,
		},
		Weather: WeatherConfig{
			BaseURL: "http://api.openweathermap.org/data/2.5/weather",
			Units:   "metric",
		},
		Diagnosis: DiagnosisConfig{
			DefaultCity: "Sahiwal",
			Market:      "Pakistan",
		},
		Session: SessionConfig{
			TTL:           30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			Redis: RedisConfig{
				Prefix: "agrivision",
			},
			Storage: StorageConfig{
				Driver: StorageMemory,
			},
		},
	}
}

// Validate ensures the configuration is safe to use.
func (c *Config) Validate() error {
	if c.HTTP.Address == "" {
		return errors.New("http.address cannot be empty")
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.maxUploadBytes must be positive")
	}
	if c.HTTP.RateLimit.Enabled {
		if c.HTTP.RateLimit.RequestsPerMinute <= 0 {
			return errors.New("http.rateLimit.requestsPerMinute must be positive")
		}
		if c.HTTP.RateLimit.Burst <= 0 {
			return errors.New("http.rateLimit.burst must be positive")
		}
	}
	for _, proxy := range c.HTTP.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("http.trustedProxies entry %q is not an IP or CIDR", proxy)
			}
		}
	}
	switch c.LLM.Provider {
	case ProviderGemini, ProviderOpenAI:
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			return fmt.Errorf("llm.apiKey is required for provider %q (set GOOGLE_API_KEY or LLM_API_KEY)", c.LLM.Provider)
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}
	if c.LLM.Temperature != nil && (*c.LLM.Temperature < 0 || *c.LLM.Temperature > 2) {
		return errors.New("llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxImageDim < 0 {
		return errors.New("llm.maxImageDim cannot be negative")
	}
	if c.LLM.MaxImagePixels <= 0 {
		return errors.New("llm.maxImagePixels must be positive")
	}
	for i, s := range c.LLM.Safety {
		if strings.TrimSpace(s.Category) == "" || strings.TrimSpace(s.Threshold) == "" {
			return fmt.Errorf("llm.safety[%d] needs both category and threshold", i)
		}
	}
	if strings.TrimSpace(c.Diagnosis.DefaultCity) == "" {
		return errors.New("diagnosis.defaultCity cannot be empty")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return errors.New("session.sweepInterval must be positive")
	}
	if c.Session.Redis.Enabled && strings.TrimSpace(c.Session.Redis.Addr) == "" {
		return errors.New("session.redis.addr cannot be empty when redis is enabled")
	}
	switch c.Session.Storage.Driver {
	case StorageMemory:
	case StorageS3:
		if strings.TrimSpace(c.Session.Storage.Endpoint) == "" || strings.TrimSpace(c.Session.Storage.Bucket) == "" {
			return errors.New("session.storage.endpoint and bucket are required for the s3 driver")
		}
	default:
		return fmt.Errorf("session.storage.driver %q is not supported", c.Session.Storage.Driver)
	}
	return nil
}

func parseBool(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
