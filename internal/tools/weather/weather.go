// Package weather provides the "get_weather" built-in tool backed by the
// Open-Meteo geocoding and forecast APIs. No API key is required.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	defaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL  = "https://api.open-meteo.com/v1/forecast"
	defaultTimeout      = 10 * time.Second
)

// Option configures the weather tool.
type Option func(*client)

// WithGeocodingURL overrides the geocoding endpoint.
func WithGeocodingURL(u string) Option {
	return func(c *client) {
		c.geocodingURL = u
	}
}

// WithForecastURL overrides the forecast endpoint.
func WithForecastURL(u string) Option {
	return func(c *client) {
		c.forecastURL = u
	}
}

// WithHTTPClient sets the HTTP client. The default has a 10 s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.httpClient = hc
	}
}

type client struct {
	geocodingURL string
	forecastURL  string
	httpClient   *http.Client
}

type getWeatherArgs struct {
	Location string `json:"location"`
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
}

type getWeatherResult struct {
	Location     string  `json:"location"`
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
	WindSpeedKmh float64 `json:"wind_speed_kmh"`
	Conditions   string  `json:"conditions"`
}

// Tools returns the weather tool.
func Tools(opts ...Option) []tools.Tool {
	c := &client{
		geocodingURL: defaultGeocodingURL,
		forecastURL:  defaultForecastURL,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return []tools.Tool{{
		Definition: types.ToolDefinition{
			Name:        "get_weather",
			Description: "Get the current weather for a city or place name: temperature, humidity, wind speed, and conditions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "City or place name, e.g. Paris or San Francisco",
					},
				},
				"required": []string{"location"},
			},
		},
		Handler: c.handle,
	}}
}

func (c *client) handle(ctx context.Context, args tools.Args) (string, error) {
	var a getWeatherArgs
	if err := args.Decode(&a); err != nil {
		return "", fmt.Errorf("weather: invalid arguments: %w", err)
	}
	if a.Location == "" {
		return "", fmt.Errorf("weather: location must not be empty")
	}

	q := url.Values{"name": {a.Location}, "count": {"1"}, "format": {"json"}}
	var geo geocodingResponse
	if err := c.getJSON(ctx, c.geocodingURL+"?"+q.Encode(), &geo); err != nil {
		return "", fmt.Errorf("weather: geocode %q: %w", a.Location, err)
	}
	if len(geo.Results) == 0 {
		return "", fmt.Errorf("weather: location %q not found", a.Location)
	}
	place := geo.Results[0]

	q = url.Values{
		"latitude":  {strconv.FormatFloat(place.Latitude, 'f', -1, 64)},
		"longitude": {strconv.FormatFloat(place.Longitude, 'f', -1, 64)},
		"current":   {"temperature_2m,relative_humidity_2m,wind_speed_10m,weather_code"},
	}
	var fc forecastResponse
	if err := c.getJSON(ctx, c.forecastURL+"?"+q.Encode(), &fc); err != nil {
		return "", fmt.Errorf("weather: forecast for %q: %w", a.Location, err)
	}

	name := place.Name
	if place.Country != "" {
		name += ", " + place.Country
	}
	out, err := json.Marshal(getWeatherResult{
		Location:     name,
		TemperatureC: fc.Current.Temperature,
		HumidityPct:  fc.Current.Humidity,
		WindSpeedKmh: fc.Current.WindSpeed,
		Conditions:   describeCode(fc.Current.WeatherCode),
	})
	if err != nil {
		return "", fmt.Errorf("weather: marshal result: %w", err)
	}
	return string(out), nil
}

func (c *client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// describeCode maps a WMO weather interpretation code to a short description.
func describeCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 3:
		return "partly cloudy"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code == 85 || code == 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorm"
	}
	return "unknown"
}
