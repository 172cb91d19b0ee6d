package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/weatherflow/internal/model"
)

// MetricsStream is the JetStream stream holding run metrics
const MetricsStream = "METRICS"

// MetricsCollector aggregates run outcomes per graph and publishes them on
// JetStream when a connection is configured
type MetricsCollector struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	mu      sync.RWMutex
	metrics map[string]*model.RunMetrics
}

// NewMetricsCollector creates a new metrics collector. js may be nil.
func NewMetricsCollector(js nats.JetStreamContext, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:  logger.Named("metrics-collector"),
		js:      js,
		metrics: make(map[string]*model.RunMetrics),
	}
}

// Start creates the metrics stream if it does not exist
func (c *MetricsCollector) Start(ctx context.Context) error {
	if c.js == nil {
		return nil
	}

	_, err := c.js.StreamInfo(MetricsStream, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:     MetricsStream,
			Subjects: []string{"metrics.>"},
			Storage:  nats.FileStorage,
			MaxAge:   7 * 24 * time.Hour,
		}, nats.Context(ctx))
	}
	if err != nil {
		return fmt.Errorf("failed to set up metrics stream: %w", err)
	}

	c.logger.Info("Starting metrics collector", zap.String("stream", MetricsStream))
	return nil
}

// ObserveRun implements executor.RunObserver
func (c *MetricsCollector) ObserveRun(run *model.RunRecord) {
	c.mu.Lock()
	m, ok := c.metrics[run.Graph]
	if !ok {
		m = &model.RunMetrics{
			Graph: run.Graph,
			Runs:  make(map[model.RunStatus]int),
		}
		c.metrics[run.Graph] = m
	}

	m.Runs[run.Status]++
	for _, t := range run.Tasks {
		for _, a := range t.Attempts {
			m.Attempts++
			if a.Status == model.TaskStatusFailedRetryable {
				m.Retries++
			}
		}
	}
	m.LastRunID = run.ID
	m.LastStatus = run.Status
	if run.FinishedAt != nil {
		m.LastDuration = run.FinishedAt.Sub(run.StartedAt)
	}
	m.UpdatedAt = time.Now()
	snapshot := cloneMetrics(m)
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.String("graph", snapshot.Graph),
		zap.String("run_id", snapshot.LastRunID),
		zap.Int("attempts", snapshot.Attempts),
		zap.Int("retries", snapshot.Retries))

	if c.js != nil {
		c.publish(snapshot)
	}
}

func (c *MetricsCollector) publish(m *model.RunMetrics) {
	data, err := json.Marshal(m)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}

	if _, err := c.js.Publish("metrics.run."+m.Graph, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
	}
}

// GetMetrics returns the current metrics by graph
func (c *MetricsCollector) GetMetrics() map[string]*model.RunMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	metrics := make(map[string]*model.RunMetrics, len(c.metrics))
	for graph, m := range c.metrics {
		metrics[graph] = cloneMetrics(m)
	}
	return metrics
}

func cloneMetrics(m *model.RunMetrics) *model.RunMetrics {
	cp := *m
	cp.Runs = make(map[model.RunStatus]int, len(m.Runs))
	for k, v := range m.Runs {
		cp.Runs[k] = v
	}
	return &cp
}
