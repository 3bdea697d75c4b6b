package upstream

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
)

const DefaultOpenWeatherURL = "https://api.openweathermap.org"

// Weather is the current conditions for a location, in imperial units.
type Weather struct {
	Location  string
	TempF     int
	Condition string
	HighF     int
	LowF      int
	Humidity  int
}

// OpenWeather queries the OpenWeatherMap current weather endpoint.
type OpenWeather struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewOpenWeather(baseURL, apiKey string, hc *http.Client) *OpenWeather {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOpenWeatherURL
	}
	return &OpenWeather{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, HTTP: orDefault(hc)}
}

type owmResponse struct {
	Name string `json:"name"`
	Main struct {
		Temp     float64 `json:"temp"`
		TempMin  float64 `json:"temp_min"`
		TempMax  float64 `json:"temp_max"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
}

func (c *OpenWeather) Current(ctx context.Context, location string) (Weather, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return Weather{}, fmt.Errorf("%w: openweather api key", ErrNotConfigured)
	}
	location = strings.TrimSpace(location)
	if location == "" {
		return Weather{}, fmt.Errorf("%w: weather location", ErrNotConfigured)
	}
	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", c.APIKey)
	q.Set("units", "imperial")

	var r owmResponse
	if err := getJSON(ctx, c.HTTP, c.BaseURL+"/data/2.5/weather?"+q.Encode(), &r); err != nil {
		return Weather{}, fmt.Errorf("openweather: %w", err)
	}
	if len(r.Weather) == 0 {
		return Weather{}, fmt.Errorf("openweather: %w", ErrEmpty)
	}
	name := r.Name
	if name == "" {
		name = location
	}
	return Weather{
		Location:  name,
		TempF:     int(math.Trunc(r.Main.Temp)),
		Condition: r.Weather[0].Main,
		HighF:     int(math.Trunc(r.Main.TempMax)),
		LowF:      int(math.Trunc(r.Main.TempMin)),
		Humidity:  r.Main.Humidity,
	}, nil
}
