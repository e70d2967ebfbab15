package openweather

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/agrivision/internal/domain/diagnosis"
)

func TestFetchWeatherFactSuccess(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{"q": q.Get("q"), "appid": q.Get("appid"), "units": q.Get("units")}
		_, _ = io.WriteString(w, `{"cod":200,"main":{"temp":31.5,"humidity":84},"weather":[{"main":"Clouds","description":"overcast clouds"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, "secret")
	fact := client.FetchWeatherFact(context.Background(), "Sahiwal")

	require.Equal(t, diagnosis.WeatherFact("Current weather in Sahiwal: 31.5°C, overcast clouds, humidity 84%."), fact)
	require.Equal(t, map[string]string{"q": "Sahiwal", "appid": "secret", "units": "metric"}, gotQuery)
}

func TestFetchWeatherFactStringCod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"cod":"200","main":{"temp":20,"humidity":40},"weather":[{"description":"clear sky"}]}`)
	}))
	defer srv.Close()

	fact := newTestClient(srv.URL, "k").FetchWeatherFact(context.Background(), "Lahore")
	require.Equal(t, diagnosis.WeatherFact("Current weather in Lahore: 20°C, clear sky, humidity 40%."), fact)
}

func TestFetchWeatherFactFailuresCollapseToSentinel(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"cod":401,"message":"Invalid API key"}`)
		},
		"logical cod string": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"cod":"404","message":"city not found"}`)
		},
		"logical cod number": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"cod":500}`)
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `<html>gateway</html>`)
		},
		"missing main": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"cod":200,"weather":[{"description":"rain"}]}`)
		},
		"missing conditions": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"cod":200,"main":{"temp":10,"humidity":90},"weather":[]}`)
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			fact := newTestClient(srv.URL, "k").FetchWeatherFact(context.Background(), "Okara")
			require.Equal(t, diagnosis.WeatherUnavailable, fact)
			require.False(t, fact.Available())
		})
	}
}

func TestFetchWeatherFactMissingKeySkipsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	fact := newTestClient(srv.URL, " ").FetchWeatherFact(context.Background(), "Okara")
	require.Equal(t, diagnosis.WeatherUnavailable, fact)
	require.False(t, called)
}

func TestFetchWeatherFactTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	fact := newTestClient(url, "k").FetchWeatherFact(context.Background(), "Okara")
	require.Equal(t, diagnosis.WeatherUnavailable, fact)
}

func TestParseCode(t *testing.T) {
	require.Equal(t, 200, parseCode([]byte(`200`)))
	require.Equal(t, 404, parseCode([]byte(`"404"`)))
	require.Equal(t, 0, parseCode(nil))
	require.Equal(t, 0, parseCode([]byte(`"abc"`)))
}

func TestNewClientKeepsTransportDefaultTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.Zero(t, NewClient("", "k", "", 0, logger).httpClient.Timeout)
	require.Equal(t, 3*time.Second, NewClient("", "k", "", 3*time.Second, logger).httpClient.Timeout)
}

func newTestClient(baseURL, key string) *Client {
	return NewClient(baseURL, key, "", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
