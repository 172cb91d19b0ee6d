package model

import "time"

// WeatherRecord is one observation for one location, as stored in the raw layer
type WeatherRecord struct {
	City        string    `json:"city"`
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feels_like"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
	Weather     string    `json:"weather"`
	WindSpeed   float64   `json:"wind_speed"`
	Clouds      float64   `json:"clouds"`
	Timestamp   time.Time `json:"timestamp"`
	Date        string    `json:"date"`
}

// ProcessedWeatherRecord is a WeatherRecord enriched for analysis
type ProcessedWeatherRecord struct {
	WeatherRecord
	TemperatureCategory string    `json:"temperature_category"`
	HumidityCategory    string    `json:"humidity_category"`
	ProcessedAt         time.Time `json:"processed_at"`
	PipelineVersion     string    `json:"pipeline_version"`
}
