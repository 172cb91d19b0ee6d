package handler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/t77yq/weatherflow/internal/model"
	"github.com/t77yq/weatherflow/internal/scheduler"
)

// PipelineVersion is stamped on every processed record
const PipelineVersion = "1.0"

// TemperatureCategory buckets a temperature in Celsius
func TemperatureCategory(celsius float64) string {
	switch {
	case celsius <= 15:
		return "cold"
	case celsius <= 25:
		return "pleasant"
	default:
		return "hot"
	}
}

// HumidityCategory buckets a relative humidity percentage
func HumidityCategory(percent float64) string {
	switch {
	case percent <= 30:
		return "low"
	case percent <= 60:
		return "normal"
	default:
		return "high"
	}
}

// TransformWeather turns a raw payload into the processed payload. Any problem
// with the payload itself is a data quality error.
func TransformWeather(raw []byte, processedAt time.Time) ([]byte, error) {
	var records []model.WeatherRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, scheduler.DataQuality(fmt.Errorf("malformed raw payload: %w", err))
	}
	if len(records) == 0 {
		return nil, scheduler.DataQuality(fmt.Errorf("raw payload has no records"))
	}

	processed := make([]model.ProcessedWeatherRecord, 0, len(records))
	for i, r := range records {
		if r.City == "" {
			return nil, scheduler.DataQuality(fmt.Errorf("record %d has no city", i))
		}
		processed = append(processed, model.ProcessedWeatherRecord{
			WeatherRecord:       r,
			TemperatureCategory: TemperatureCategory(r.Temperature),
			HumidityCategory:    HumidityCategory(r.Humidity),
			ProcessedAt:         processedAt,
			PipelineVersion:     PipelineVersion,
		})
	}

	out, err := json.Marshal(processed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return out, nil
}
