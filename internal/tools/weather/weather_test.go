package weather

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/tools"
)

func newFakeOpenMeteo(t *testing.T, geocode string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(geocode))
	})
	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("latitude") != "48.85" {
			http.Error(w, "bad latitude", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"current":{"temperature_2m":18.5,"relative_humidity_2m":60,"wind_speed_10m":12.3,"weather_code":61}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func weatherTool(srv *httptest.Server) tools.Handler {
	return Tools(
		WithGeocodingURL(srv.URL+"/search"),
		WithForecastURL(srv.URL+"/forecast"),
		WithHTTPClient(srv.Client()),
	)[0].Handler
}

func TestGetWeather(t *testing.T) {
	t.Parallel()

	srv := newFakeOpenMeteo(t, `{"results":[{"name":"Paris","country":"France","latitude":48.85,"longitude":2.35}]}`)
	out, err := weatherTool(srv)(context.Background(), tools.RawArgs(`{"location":"Paris"}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	var res getWeatherResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if res.Location != "Paris, France" {
		t.Errorf("location = %q", res.Location)
	}
	if res.TemperatureC != 18.5 {
		t.Errorf("temperature = %v, want 18.5", res.TemperatureC)
	}
	if res.Conditions != "rain" {
		t.Errorf("conditions = %q, want rain", res.Conditions)
	}
}

func TestGetWeather_NotFound(t *testing.T) {
	t.Parallel()

	srv := newFakeOpenMeteo(t, `{}`)
	_, err := weatherTool(srv)(context.Background(), tools.RawArgs(`{"location":"Atlantis"}`))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestGetWeather_UpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := weatherTool(srv)(context.Background(), tools.RawArgs(`{"location":"Paris"}`))
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want status 503", err)
	}
}

func TestDescribeCode(t *testing.T) {
	t.Parallel()
	tests := map[int]string{0: "clear sky", 2: "partly cloudy", 45: "fog", 73: "snow", 95: "thunderstorm", 30: "unknown"}
	for code, want := range tests {
		if got := describeCode(code); got != want {
			t.Errorf("describeCode(%d) = %q, want %q", code, got, want)
		}
	}
}
