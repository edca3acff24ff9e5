package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// WeatherTool looks up current conditions for a city via an Open-Meteo
// compatible API (no key required).
type WeatherTool struct {
	client      *http.Client
	geocodeURL  string
	forecastURL string
}

// NewWeatherTool builds the weather adapter. Empty URLs use the public
// Open-Meteo endpoints.
func NewWeatherTool(client *http.Client) *WeatherTool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WeatherTool{
		client:      client,
		geocodeURL:  "https://geocoding-api.open-meteo.com/v1/search",
		forecastURL: "https://api.open-meteo.com/v1/forecast",
	}
}

func (w *WeatherTool) Name() string { return "weather.get" }

func (w *WeatherTool) Description() string {
	return "Current weather for a city. Args: {\"city\": string}"
}

func (w *WeatherTool) Invoke(ctx context.Context, call Call) Result {
	city := StringArg(call, "city")
	if city == "" {
		city = StringArg(call, "location")
	}
	if city == "" {
		return Failure("city argument is required")
	}

	var geo struct {
		Results []struct {
			Name      string  `json:"name"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Country   string  `json:"country"`
		} `json:"results"`
	}
	geoURL := fmt.Sprintf("%s?name=%s&count=1", w.geocodeURL, url.QueryEscape(city))
	if err := w.getJSON(ctx, geoURL, &geo); err != nil {
		return Failure("geocode %s: %v", city, err)
	}
	if len(geo.Results) == 0 {
		return Failure("unknown city: %s", city)
	}
	loc := geo.Results[0]

	var forecast struct {
		CurrentWeather struct {
			Temperature float64 `json:"temperature"`
			Windspeed   float64 `json:"windspeed"`
			WeatherCode int     `json:"weathercode"`
		} `json:"current_weather"`
	}
	fURL := fmt.Sprintf("%s?latitude=%.4f&longitude=%.4f&current_weather=true", w.forecastURL, loc.Latitude, loc.Longitude)
	if err := w.getJSON(ctx, fURL, &forecast); err != nil {
		return Failure("forecast for %s: %v", city, err)
	}

	return Succeed(map[string]interface{}{
		"city":           loc.Name,
		"country":        loc.Country,
		"temperature_c":  forecast.CurrentWeather.Temperature,
		"windspeed_kmh":  forecast.CurrentWeather.Windspeed,
		"weather_code":   forecast.CurrentWeather.WeatherCode,
		"observation_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (w *WeatherTool) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
