package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/weatherflow/internal/storage"
)

// ObjectKey is the deterministic key of a day's artifact. Retries of the same
// run write the same key.
func ObjectKey(date string) string {
	return fmt.Sprintf("weather/%s/weather_data.json", date)
}

// LayerLoader writes artifacts into one layer of an object store
type LayerLoader struct {
	logger *zap.Logger
	store  storage.ObjectStore
	layer  storage.Layer
}

// NewLayerLoader creates a loader for layer
func NewLayerLoader(store storage.ObjectStore, layer storage.Layer, logger *zap.Logger) *LayerLoader {
	return &LayerLoader{
		logger: logger.Named("loader").With(zap.String("layer", string(layer))),
		store:  store,
		layer:  layer,
	}
}

// Load stores data for date and returns the object name
func (l *LayerLoader) Load(ctx context.Context, date string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("nothing to load for %s", date)
	}

	key := ObjectKey(date)
	if err := l.store.Put(ctx, l.layer, key, data); err != nil {
		return "", fmt.Errorf("failed to load %s: %w", key, err)
	}

	object := string(l.layer) + "/" + key
	l.logger.Info("Data loaded",
		zap.String("object", object),
		zap.Int("size", len(data)))
	return object, nil
}
