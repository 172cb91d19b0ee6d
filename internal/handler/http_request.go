package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/t77yq/weatherflow/internal/model"
)

const (
	// DefaultWeatherURL is the OpenWeather current weather endpoint
	DefaultWeatherURL = "http://api.openweathermap.org/data/2.5/weather"

	// DefaultRequestTimeout bounds a single source request
	DefaultRequestTimeout = 10 * time.Second
)

// SourceFetcher fetches the raw payload for one location
type SourceFetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// OpenWeatherConfig configures an OpenWeatherFetcher
type OpenWeatherConfig struct {
	BaseURL  string
	APIKey   string
	Units    string
	Language string
	Timeout  time.Duration
	// BreakerFailures is the number of consecutive failures that opens the
	// circuit; zero means 5
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open; zero means 30s
	BreakerCooldown time.Duration
}

// OpenWeatherFetcher fetches current weather from the OpenWeather API
type OpenWeatherFetcher struct {
	logger     *zap.Logger
	config     OpenWeatherConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewOpenWeatherFetcher creates a new OpenWeather fetcher
func NewOpenWeatherFetcher(config OpenWeatherConfig, logger *zap.Logger) *OpenWeatherFetcher {
	if config.BaseURL == "" {
		config.BaseURL = DefaultWeatherURL
	}
	if config.Units == "" {
		config.Units = "metric"
	}
	if config.Language == "" {
		config.Language = "pt_br"
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRequestTimeout
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 30 * time.Second
	}

	logger = logger.Named("openweather")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweather",
		MaxRequests: 1,
		Timeout:     config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// cancellation says nothing about the API's health
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &OpenWeatherFetcher{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    breaker,
	}
}

// Fetch returns the raw API response for location
func (f *OpenWeatherFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.get(ctx, location)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", location, err)
	}
	return result.([]byte), nil
}

func (f *OpenWeatherFetcher) get(ctx context.Context, location string) ([]byte, error) {
	params := url.Values{}
	params.Set("q", location)
	params.Set("appid", f.config.APIKey)
	params.Set("units", f.config.Units)
	params.Set("lang", f.config.Language)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	f.logger.Debug("Executing HTTP request", zap.String("location", location))

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}
	return body, nil
}

type openWeatherResponse struct {
	Main *struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  float64 `json:"humidity"`
		Pressure  float64 `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
}

// ParseObservation turns an OpenWeather response into a WeatherRecord
func ParseObservation(city string, body []byte, observedAt time.Time, date string) (model.WeatherRecord, error) {
	var resp openWeatherResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.WeatherRecord{}, fmt.Errorf("failed to decode response for %s: %w", city, err)
	}
	if resp.Main == nil || len(resp.Weather) == 0 {
		return model.WeatherRecord{}, fmt.Errorf("incomplete response for %s", city)
	}

	return model.WeatherRecord{
		City:        city,
		Temperature: resp.Main.Temp,
		FeelsLike:   resp.Main.FeelsLike,
		Humidity:    resp.Main.Humidity,
		Pressure:    resp.Main.Pressure,
		Weather:     resp.Weather[0].Description,
		WindSpeed:   resp.Wind.Speed,
		Clouds:      resp.Clouds.All,
		Timestamp:   observedAt,
		Date:        date,
	}, nil
}
