package diagnosis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/yanqian/agrivision/pkg/errors"
	"github.com/yanqian/agrivision/pkg/metrics"
)

func TestServiceDiagnoseSuccess(t *testing.T) {
	weather := &stubWeather{fact: "Current weather in Lahore: 30°C, overcast clouds, humidity 85%."}
	invoker := &stubInvoker{
		reply: ModelReply{
			RawText:           "```json\n{\"disease_name\":\"Leaf Blight\",\"treatment\":\"Wait for dry weather\",\"coordinates\":[100,100,300,400]}\n```",
			GroundingSnippets: []string{"<div>search chip</div>"},
			Usage:             metrics.TokenUsage{PromptTokens: 1200, CompletionTokens: 80},
		},
	}
	svc := newTestService(Config{DefaultCity: "Sahiwal", Market: "Pakistan", EnableSearch: true}, weather, invoker)

	resp, err := svc.Diagnose(context.Background(), Request{Image: testImage(1000, 500), City: " Lahore "})
	require.NoError(t, err)
	require.Equal(t, "Lahore", resp.City)
	require.Equal(t, "Lahore", weather.lastCity)
	require.Equal(t, weather.fact, resp.Weather)
	require.Equal(t, "Leaf Blight", resp.Result.DiseaseName)
	require.Equal(t, DefaultMedicine, resp.Result.Medicine)
	require.Equal(t, []string{"<div>search chip</div>"}, resp.Result.GroundingSnippets)
	require.Equal(t, PixelBox{StartX: 100, StartY: 50, EndX: 400, EndY: 150}, resp.Region)
	require.NotNil(t, resp.TokenUsage)
	require.Equal(t, 1280, resp.TokenUsage.TotalTokens)

	require.Equal(t, 1, invoker.calls)
	require.True(t, invoker.last.EnableSearch)
	require.Contains(t, invoker.last.Prompt, string(weather.fact))
	require.Equal(t, 1000, invoker.last.Image.Width)
}

func TestServiceDiagnoseDefaultCityAndSearchOverride(t *testing.T) {
	weather := &stubWeather{fact: WeatherUnavailable}
	invoker := &stubInvoker{reply: ModelReply{RawText: `{"disease_name":"Healthy","coordinates":[0,0,0,0]}`}}
	svc := newTestService(Config{DefaultCity: "Sahiwal", EnableSearch: true}, weather, invoker)

	off := false
	resp, err := svc.Diagnose(context.Background(), Request{Image: testImage(640, 480), EnableSearch: &off})
	require.NoError(t, err)
	require.Equal(t, "Sahiwal", resp.City)
	require.Equal(t, WeatherUnavailable, resp.Weather)
	require.False(t, invoker.last.EnableSearch)
	require.True(t, resp.Region.Empty())
	require.Nil(t, resp.TokenUsage)
}

func TestServiceDiagnoseInvocationError(t *testing.T) {
	invoker := &stubInvoker{err: apperrors.Wrap(apperrors.CodeInvocation, "gemini request failed", errors.New("status 503"))}
	svc := newTestService(Config{}, &stubWeather{fact: WeatherUnavailable}, invoker)

	resp, err := svc.Diagnose(context.Background(), Request{Image: testImage(10, 10), City: "Multan"})
	require.NoError(t, err)
	require.True(t, resp.Result.IsError)
	require.Equal(t, "Error", resp.Result.DiseaseName)
	require.Contains(t, resp.Result.Error, "status 503")
	require.Equal(t, PixelBox{}, resp.Region)
}

func TestServiceDiagnoseUnparseableReply(t *testing.T) {
	invoker := &stubInvoker{reply: ModelReply{RawText: "I think this is rust."}}
	svc := newTestService(Config{}, &stubWeather{fact: WeatherUnavailable}, invoker)

	resp, err := svc.Diagnose(context.Background(), Request{Image: testImage(10, 10)})
	require.NoError(t, err)
	require.True(t, resp.Result.IsError)
	require.Contains(t, resp.Result.Error, "I think this is rust.")
}

func TestServiceDiagnoseRejectsInvalidImage(t *testing.T) {
	invoker := &stubInvoker{}
	svc := newTestService(Config{}, &stubWeather{}, invoker)

	_, err := svc.Diagnose(context.Background(), Request{})
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))

	_, err = svc.Diagnose(context.Background(), Request{Image: Image{Data: []byte{1}, Width: 0, Height: 3}})
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
	require.Zero(t, invoker.calls)
}

func newTestService(cfg Config, weather WeatherProvider, invoker Invoker) *service {
	return &service{
		cfg:     cfg,
		invoker: invoker,
		weather: weather,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testImage(w, h int) Image {
	return Image{Data: []byte{0xff, 0xd8, 0xff}, MIMEType: "image/jpeg", Width: w, Height: h}
}

type stubWeather struct {
	fact     WeatherFact
	lastCity string
}

func (s *stubWeather) FetchWeatherFact(ctx context.Context, city string) WeatherFact {
	s.lastCity = city
	return s.fact
}

type stubInvoker struct {
	reply ModelReply
	err   error
	calls int
	last  Invocation
}

func (s *stubInvoker) Invoke(ctx context.Context, inv Invocation) (ModelReply, error) {
	s.calls++
	s.last = inv
	if s.err != nil {
		return ModelReply{}, s.err
	}
	return s.reply, nil
}
