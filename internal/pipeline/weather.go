// Package pipeline assembles the weather ETL graph from its collaborators.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/weatherflow/internal/handler"
	"github.com/t77yq/weatherflow/internal/model"
	"github.com/t77yq/weatherflow/internal/scheduler"
	"github.com/t77yq/weatherflow/internal/storage"
)

// Task names of the weather graph, in dependency order
const (
	TaskExtract       = "extract"
	TaskLoadRaw       = "loadRaw"
	TaskTransform     = "transform"
	TaskLoadProcessed = "loadProcessed"

	DefaultGraphName = "weather_etl"
)

// WeatherConfig configures the weather graph
type WeatherConfig struct {
	Name             string
	Locations        []string
	FetchConcurrency int
	Policy           scheduler.RetryPolicy

	// Clock stamps observations and processed records; nil means time.Now
	Clock func() time.Time
}

// weather holds the collaborators the task actions close over
type weather struct {
	logger    *zap.Logger
	config    WeatherConfig
	fetcher   handler.SourceFetcher
	raw       *handler.LayerLoader
	processed *handler.LayerLoader
}

// NewWeatherGraph builds extract -> loadRaw -> transform -> loadProcessed.
func NewWeatherGraph(config WeatherConfig, fetcher handler.SourceFetcher, store storage.ObjectStore, logger *zap.Logger) (*scheduler.DependencyGraph, error) {
	if config.Name == "" {
		config.Name = DefaultGraphName
	}
	if len(config.Locations) == 0 {
		return nil, &scheduler.ConfigurationError{Reason: "no source locations configured"}
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = 1
	}
	if config.Policy.MaxAttempts == 0 {
		config.Policy = scheduler.DefaultRetryPolicy()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	logger = logger.Named("pipeline")
	w := &weather{
		logger:    logger,
		config:    config,
		fetcher:   fetcher,
		raw:       handler.NewLayerLoader(store, storage.LayerRaw, logger),
		processed: handler.NewLayerLoader(store, storage.LayerProcessed, logger),
	}

	graph := scheduler.NewGraph(config.Name)
	policy := scheduler.WithRetryPolicy(config.Policy)
	for _, unit := range []scheduler.TaskUnit{
		scheduler.NewTask(TaskExtract, w.extract, policy),
		scheduler.NewTask(TaskLoadRaw, w.loadRaw, policy),
		scheduler.NewTask(TaskTransform, w.transform, policy),
		scheduler.NewTask(TaskLoadProcessed, w.loadProcessed, policy),
	} {
		if err := graph.AddTask(unit); err != nil {
			return nil, err
		}
	}

	for _, edge := range [][2]string{
		{TaskExtract, TaskLoadRaw},
		{TaskLoadRaw, TaskTransform},
		{TaskTransform, TaskLoadProcessed},
	} {
		if err := graph.AddDependency(edge[0], edge[1]); err != nil {
			return nil, err
		}
	}
	return graph, nil
}

// extract fetches every location. A location that fails is logged and left
// out; the task only fails when no location could be fetched.
func (w *weather) extract(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
	records := make([]*model.WeatherRecord, len(w.config.Locations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.FetchConcurrency)
	for i, city := range w.config.Locations {
		i, city := i, city
		g.Go(func() error {
			body, err := w.fetcher.Fetch(gctx, city)
			if err == nil {
				var record model.WeatherRecord
				record, err = handler.ParseObservation(city, body, w.config.Clock(), rc.DateStamp())
				if err == nil {
					records[i] = &record
					return nil
				}
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			w.logger.Warn("Failed to collect location",
				zap.String("run_id", rc.RunID),
				zap.String("city", city),
				zap.Error(err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	collected := make([]model.WeatherRecord, 0, len(records))
	for _, r := range records {
		if r != nil {
			collected = append(collected, *r)
		}
	}
	if len(collected) == 0 {
		return nil, scheduler.Transient(fmt.Errorf("none of %d locations could be fetched", len(w.config.Locations)))
	}

	w.logger.Info("Weather data collected",
		zap.String("run_id", rc.RunID),
		zap.Int("records", len(collected)),
		zap.Int("locations", len(w.config.Locations)))

	return json.Marshal(collected)
}

func (w *weather) loadRaw(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
	data, err := upstream(rc, TaskExtract)
	if err != nil {
		return nil, err
	}
	object, err := w.raw.Load(ctx, rc.DateStamp(), data)
	if err != nil {
		return nil, err
	}
	return []byte(object), nil
}

func (w *weather) transform(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
	data, err := upstream(rc, TaskExtract)
	if err != nil {
		return nil, err
	}
	out, err := handler.TransformWeather(data, w.config.Clock())
	if err != nil {
		return nil, err
	}

	w.logger.Info("Weather data transformed", zap.String("run_id", rc.RunID))
	return out, nil
}

func (w *weather) loadProcessed(ctx context.Context, rc *scheduler.RunContext) ([]byte, error) {
	data, err := upstream(rc, TaskTransform)
	if err != nil {
		return nil, err
	}
	object, err := w.processed.Load(ctx, rc.DateStamp(), data)
	if err != nil {
		return nil, err
	}
	return []byte(object), nil
}

var errNoUpstream = errors.New("upstream result missing")

func upstream(rc *scheduler.RunContext, task string) ([]byte, error) {
	data, ok := rc.Result(task)
	if !ok || len(data) == 0 {
		return nil, scheduler.DataQuality(fmt.Errorf("%w: %s", errNoUpstream, task))
	}
	return data, nil
}
