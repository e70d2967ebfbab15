package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/agrivision/internal/domain/diagnosis"
	"github.com/yanqian/agrivision/internal/domain/session"
	"github.com/yanqian/agrivision/internal/infra/blobstore"
	"github.com/yanqian/agrivision/internal/infra/config"
	"github.com/yanqian/agrivision/internal/infra/imageproc"
	"github.com/yanqian/agrivision/internal/infra/sessionstore"
	apperrors "github.com/yanqian/agrivision/pkg/errors"
	"github.com/yanqian/agrivision/pkg/metrics"
)

func TestRouter_Health(t *testing.T) {
	server := newRouterUnderTest(t, &stubDiagnosis{})

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_DiagnoseSuccess(t *testing.T) {
	svc := &stubDiagnosis{
		diagnoseFn: func(ctx context.Context, req diagnosis.Request) (diagnosis.Response, error) {
			require.Equal(t, "Lahore", req.City)
			require.NotNil(t, req.EnableSearch)
			require.False(t, *req.EnableSearch)
			require.Equal(t, 200, req.Image.Width)
			require.Equal(t, 100, req.Image.Height)
			return diagnosis.Response{
				City:    "Lahore",
				Weather: "Current weather in Lahore: 30°C, haze, humidity 60%.",
				Result: diagnosis.Result{
					DiseaseName:       "Early Blight",
					Treatment:         "Remove infected leaves",
					Medicine:          "Mancozeb",
					GroundingSnippets: []string{`<script>alert(1)</script><a href="https://shop.example">buy</a>`},
				},
				Region:     diagnosis.PixelBox{StartX: 20, StartY: 10, EndX: 120, EndY: 60},
				TokenUsage: &metrics.TokenUsage{PromptTokens: 10, TotalTokens: 12},
			}, nil
		},
	}

	body, contentType := multipartUpload(t, pngBytes(t, 200, 100), map[string]string{
		"city":     "Lahore",
		"search":   "false",
		"annotate": "true",
		"format":   "png",
	})
	rec := perform(newRouterUnderTest(t, svc), http.MethodPost, "/api/v1/diagnoses", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got diagnosisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "Lahore", got.City)
	require.Equal(t, "Early Blight", got.Result.DiseaseName)
	require.Equal(t, imageDims{Width: 200, Height: 100}, got.Image)
	require.Equal(t, diagnosis.PixelBox{StartX: 20, StartY: 10, EndX: 120, EndY: 60}, got.Region)
	require.Len(t, got.Result.GroundingSnippets, 1)
	require.NotContains(t, got.Result.GroundingSnippets[0], "<script>")
	require.Contains(t, got.Result.GroundingSnippets[0], "https://shop.example")
	require.Equal(t, 12, got.TokenUsage.TotalTokens)

	require.NotNil(t, got.AnnotatedImage)
	require.Equal(t, "image/png", got.AnnotatedImage.ContentType)
	raw, err := base64.StdEncoding.DecodeString(got.AnnotatedImage.Data)
	require.NoError(t, err)
	annotated, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	r, g, b, _ := annotated.At(20, 10).RGBA()
	require.Equal(t, [3]uint32{57, 255, 20}, [3]uint32{r >> 8, g >> 8, b >> 8})
}

func TestRouter_DiagnoseErrorResultIsStillOK(t *testing.T) {
	svc := &stubDiagnosis{
		diagnoseFn: func(ctx context.Context, req diagnosis.Request) (diagnosis.Response, error) {
			return diagnosis.Response{City: "Sahiwal", Weather: diagnosis.WeatherUnavailable, Result: diagnosis.FailedResult(apperrors.Wrap(apperrors.CodeInvocation, "gemini request failed", nil))}, nil
		},
	}

	body, contentType := multipartUpload(t, pngBytes(t, 10, 10), nil)
	rec := perform(newRouterUnderTest(t, svc), http.MethodPost, "/api/v1/diagnoses", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code)

	var got diagnosisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Result.IsError)
	require.Nil(t, got.AnnotatedImage)
}

func TestRouter_DiagnoseMissingImage(t *testing.T) {
	body, contentType := multipartUpload(t, nil, map[string]string{"city": "Okara"})
	rec := perform(newRouterUnderTest(t, &stubDiagnosis{}), http.MethodPost, "/api/v1/diagnoses", body, contentType)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	errBody := decodeErrorBody(t, rec.Body.Bytes())
	require.Equal(t, "invalid_request", errBody["error"]["code"])
}

func TestRouter_DiagnoseRejectsNonImage(t *testing.T) {
	body, contentType := multipartUpload(t, []byte("hello, not a picture"), nil)
	rec := perform(newRouterUnderTest(t, &stubDiagnosis{}), http.MethodPost, "/api/v1/diagnoses", body, contentType)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	errBody := decodeErrorBody(t, rec.Body.Bytes())
	require.Equal(t, apperrors.CodeInvalidImage, errBody["error"]["code"])
}

func TestRouter_DiagnoseTooLarge(t *testing.T) {
	server := newRouterWithConfig(t, &stubDiagnosis{}, func(cfg *config.Config) { cfg.HTTP.MaxUploadBytes = 16 })

	body, contentType := multipartUpload(t, pngBytes(t, 50, 50), nil)
	rec := perform(server, http.MethodPost, "/api/v1/diagnoses", body, contentType)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRouter_SessionToggle(t *testing.T) {
	svc := &stubDiagnosis{
		diagnoseFn: func(ctx context.Context, req diagnosis.Request) (diagnosis.Response, error) {
			return diagnosis.Response{City: req.City, Result: diagnosis.Result{DiseaseName: "Rust"}}, nil
		},
	}
	server := newRouterUnderTest(t, svc)

	rec := perform(server, http.MethodPost, "/api/v1/sessions", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.Equal(t, session.StateCapture, sess.State)
	base := "/api/v1/sessions/" + sess.ID

	rec = perform(server, http.MethodPost, base+"/diagnosis", nil, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, apperrors.CodeNoImage, decodeErrorBody(t, rec.Body.Bytes())["error"]["code"])

	photo := pngBytes(t, 30, 20)
	rec = perform(server, http.MethodPut, base+"/image", bytes.NewReader(photo), "image/png")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.Equal(t, session.StateResult, sess.State)
	require.Equal(t, 30, sess.Image.Width)

	rec = perform(server, http.MethodGet, base+"/image", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, photo, rec.Body.Bytes())

	rec = perform(server, http.MethodPost, base+"/diagnosis", bytes.NewBufferString(`{"city":"Multan"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got diagnosisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, sess.ID, got.SessionID)
	require.Equal(t, "Multan", got.City)
	require.Equal(t, imageDims{Width: 30, Height: 20}, got.Image)

	rec = perform(server, http.MethodDelete, base+"/image", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var reset session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reset))
	require.Equal(t, session.StateCapture, reset.State)
	require.Nil(t, reset.Image)

	rec = perform(server, http.MethodGet, "/api/v1/sessions/does-not-exist", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, apperrors.CodeSessionNotFound, decodeErrorBody(t, rec.Body.Bytes())["error"]["code"])
}

func TestRouter_SessionDiagnosisBadJSON(t *testing.T) {
	server := newRouterUnderTest(t, &stubDiagnosis{})

	rec := perform(server, http.MethodPost, "/api/v1/sessions/abc/diagnosis", bytes.NewBufferString(`{"city":1}`), "application/json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeErrorBody(t, rec.Body.Bytes())["error"]["code"])
}

func TestRouter_RateLimited(t *testing.T) {
	server := newRouterWithConfig(t, &stubDiagnosis{}, func(cfg *config.Config) {
		cfg.HTTP.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	})

	rec := perform(server, http.MethodPost, "/api/v1/sessions", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = perform(server, http.MethodPost, "/api/v1/sessions", nil, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "rate_limit_exceeded", decodeErrorBody(t, rec.Body.Bytes())["error"]["code"])
}

func TestRouter_RateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	server := newRouterWithConfig(t, &stubDiagnosis{}, func(cfg *config.Config) {
		cfg.HTTP.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	})

	rec := performFrom(server, "203.0.113.7:4000", "198.51.100.1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = performFrom(server, "203.0.113.7:4000", "198.51.100.2")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRouter_RateLimitTrustsConfiguredProxy(t *testing.T) {
	server := newRouterWithConfig(t, &stubDiagnosis{}, func(cfg *config.Config) {
		cfg.HTTP.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
		cfg.HTTP.TrustedProxies = []string{"203.0.113.0/24"}
	})

	rec := performFrom(server, "203.0.113.7:4000", "198.51.100.1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = performFrom(server, "203.0.113.7:4000", "198.51.100.2")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = performFrom(server, "203.0.113.7:4000", "198.51.100.2")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestIPRateLimiterRefills(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newIPRateLimiter(config.RateLimitConfig{RequestsPerMinute: 2, Burst: 1}, func() time.Time { return now })

	_, ok := limiter.allow("1.2.3.4")
	require.True(t, ok)
	wait, ok := limiter.allow("1.2.3.4")
	require.False(t, ok)
	require.Equal(t, 30*time.Second, wait)

	now = now.Add(30 * time.Second)
	_, ok = limiter.allow("1.2.3.4")
	require.True(t, ok)

	_, ok = limiter.allow("5.6.7.8")
	require.True(t, ok)
}

func TestResolveOrigin(t *testing.T) {
	require.Equal(t, "*", resolveOrigin("https://x.example", nil))
	require.Equal(t, "https://b.example", resolveOrigin("https://b.example", []string{"https://a.example", "https://b.example"}))
	require.Equal(t, "https://a.example", resolveOrigin("https://evil.example", []string{"https://a.example"}))
}

func perform(server *http.Server, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	return rec
}

func performFrom(server *http.Server, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	req.RemoteAddr = remoteAddr
	req.Header.Set("X-Forwarded-For", forwardedFor)
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	return rec
}

func newRouterUnderTest(t *testing.T, svc diagnosis.Service) *http.Server {
	return newRouterWithConfig(t, svc, nil)
}

func newRouterWithConfig(t *testing.T, svc diagnosis.Service, mutate func(cfg *config.Config)) *http.Server {
	t.Helper()
	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Address:           ":0",
			ReadTimeout:       time.Second,
			WriteTimeout:      time.Second,
			MaxUploadBytes:    1 << 20,
			SanitizeGrounding: true,
		},
		LLM: config.LLMConfig{MaxImageDim: 512, JPEGQuality: 80},
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := newTestLogger()
	sessions := session.NewService(
		session.Config{TTL: time.Hour},
		sessionstore.NewMemoryStore(),
		blobstore.NewMemoryStorage(),
		imageproc.Inspector{},
		logger,
	)
	return NewRouter(cfg, NewHandler(cfg, svc, sessions, logger))
}

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, nil)
	return slog.New(handler)
}

type stubDiagnosis struct {
	diagnoseFn func(ctx context.Context, req diagnosis.Request) (diagnosis.Response, error)
}

func (s *stubDiagnosis) Diagnose(ctx context.Context, req diagnosis.Request) (diagnosis.Response, error) {
	if s.diagnoseFn != nil {
		return s.diagnoseFn(ctx, req)
	}
	return diagnosis.Response{}, nil
}

func multipartUpload(t *testing.T, image []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if image != nil {
		part, err := writer.CreateFormFile("image", "leaf.png")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 40, G: 110, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeErrorBody(t *testing.T, raw []byte) map[string]map[string]string {
	t.Helper()
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}
