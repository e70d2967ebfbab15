package openweather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yanqian/agrivision/internal/domain/diagnosis"
)

const (
	defaultBaseURL = "http://api.openweathermap.org/data/2.5/weather"
	defaultUnits   = "metric"
)

// Client fetches current conditions from OpenWeatherMap and reduces them to a
// single-line weather fact.
type Client struct {
	baseURL    string
	apiKey     string
	units      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ diagnosis.WeatherProvider = (*Client)(nil)

// NewClient builds an API client. An empty apiKey is allowed; every lookup then
// yields diagnosis.WeatherUnavailable. A non-positive timeout leaves the transport
// default in place.
func NewClient(baseURL, apiKey, units string, timeout time.Duration, logger *slog.Logger) *Client {
	endpoint := strings.TrimSpace(baseURL)
	if endpoint == "" {
		endpoint = defaultBaseURL
	}
	if strings.TrimSpace(units) == "" {
		units = defaultUnits
	}
	if timeout < 0 {
		timeout = 0
	}
	return &Client{
		baseURL: strings.TrimRight(endpoint, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		units:   units,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "weather.openweather"),
	}
}

// FetchWeatherFact never fails: every problem is logged and collapses to the sentinel.
func (c *Client) FetchWeatherFact(ctx context.Context, city string) diagnosis.WeatherFact {
	if c.apiKey == "" {
		c.logger.Warn("weather api key missing", "city", city)
		return diagnosis.WeatherUnavailable
	}
	cur, err := c.fetch(ctx, city)
	if err != nil {
		c.logger.Warn("weather lookup failed", "city", city, "error", err)
		return diagnosis.WeatherUnavailable
	}
	return diagnosis.WeatherFact(fmt.Sprintf("Current weather in %s: %s°C, %s, humidity %s%%.",
		city, formatNumber(cur.temp), cur.description, formatNumber(cur.humidity)))
}

type current struct {
	temp        float64
	humidity    float64
	description string
}

func (c *Client) fetch(ctx context.Context, city string) (current, error) {
	query := url.Values{}
	query.Set("q", city)
	query.Set("appid", c.apiKey)
	query.Set("units", c.units)
	endpoint := c.baseURL + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return current{}, fmt.Errorf("build weather request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return current{}, fmt.Errorf("weather request failed: %w", redact(err, c.apiKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return current{}, fmt.Errorf("weather request error: status=%d body=%s", resp.StatusCode, string(payload))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return current{}, fmt.Errorf("read weather response: %w", err)
	}

	var raw apiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return current{}, fmt.Errorf("decode weather response: %w", err)
	}
	if code := parseCode(raw.Cod); code != http.StatusOK {
		return current{}, fmt.Errorf("weather api error: cod=%s message=%s", strings.Trim(string(raw.Cod), `"`), raw.Message)
	}
	if raw.Main == nil || raw.Main.Temp == nil || raw.Main.Humidity == nil {
		return current{}, fmt.Errorf("weather response missing main block")
	}
	if len(raw.Weather) == 0 {
		return current{}, fmt.Errorf("weather response missing conditions")
	}

	return current{
		temp:        *raw.Main.Temp,
		humidity:    *raw.Main.Humidity,
		description: raw.Weather[0].Description,
	}, nil
}

type apiResponse struct {
	Cod     json.RawMessage `json:"cod"`
	Message string          `json:"message"`
	Main    *mainBlock      `json:"main"`
	Weather []condition     `json:"weather"`
}

type mainBlock struct {
	Temp     *float64 `json:"temp"`
	Humidity *float64 `json:"humidity"`
}

type condition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
}

// parseCode accepts cod as either a JSON number or a numeric string.
func parseCode(raw json.RawMessage) int {
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if value == "" {
		return 0
	}
	code, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return code
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// redact keeps the api key out of logged transport errors, which embed the URL.
func redact(err error, key string) error {
	if key == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, key) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(msg, key, "***"))
}
