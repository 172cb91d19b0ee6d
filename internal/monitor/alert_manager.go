package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/weatherflow/internal/model"
)

const (
	// AlertStream is the JetStream stream holding alerts
	AlertStream = "ALERTS"

	alertSubjects = "alert.*"
)

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *model.Alert) error
}

// AlertManager turns failure summaries into alerts. Alerts are published on
// JetStream when a connection is configured and fanned out to every channel.
type AlertManager struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	mu       sync.RWMutex
	channels []NotificationChannel
}

// NewAlertManager creates a new alert manager. js may be nil.
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext) *AlertManager {
	return &AlertManager{
		logger: logger.Named("alert-manager"),
		js:     js,
	}
}

// Start creates the alert stream if it does not exist
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js == nil {
		m.logger.Info("Alert manager started without JetStream")
		return nil
	}

	stream, err := m.js.StreamInfo(AlertStream, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if stream == nil {
		_, err = m.js.AddStream(&nats.StreamConfig{
			Name:     AlertStream,
			Subjects: []string{alertSubjects},
			Storage:  nats.FileStorage,
			MaxAge:   30 * 24 * time.Hour,
		}, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	m.logger.Info("Alert manager started", zap.String("stream", AlertStream))
	return nil
}

// AddChannel registers a notification channel
func (m *AlertManager) AddChannel(ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Notify publishes one alert for summary and sends it to every channel. All
// channels are tried; their errors are joined.
func (m *AlertManager) Notify(ctx context.Context, summary model.FailureSummary) error {
	alert := NewAlert(summary)

	var errs []error
	if m.js != nil {
		if err := m.publish(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.RLock()
	channels := append([]NotificationChannel(nil), m.channels...)
	m.mu.RUnlock()

	for _, ch := range channels {
		if err := ch.Send(ctx, alert); err != nil {
			m.logger.Warn("Notification channel failed",
				zap.String("channel", ch.Name()),
				zap.String("alert_id", alert.ID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("run_id", alert.RunID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.Int("channels", len(channels)))

	return errors.Join(errs...)
}

func (m *AlertManager) publish(ctx context.Context, alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	_, err = m.js.Publish("alert."+string(alert.Type), data, nats.Context(ctx), nats.MsgId(alert.RunID))
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// NewAlert builds the alert for a failed run
func NewAlert(summary model.FailureSummary) *model.Alert {
	severity := model.AlertSeverityError
	if summary.Status == model.RunStatusFailedTerminal {
		severity = model.AlertSeverityCritical
	}

	return &model.Alert{
		ID:          uuid.New().String(),
		Type:        model.AlertTypeTaskFailure,
		Severity:    severity,
		RunID:       summary.RunID,
		Graph:       summary.Graph,
		LogicalTime: summary.LogicalTime,
		Message: fmt.Sprintf("Run %s of %s ended %s: %s failed",
			summary.RunID, summary.Graph, summary.Status, strings.Join(summary.TaskNames(), ", ")),
		Failures:  summary.Failures,
		CreatedAt: time.Now(),
	}
}

// LogChannel writes alerts to the log
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a new log channel
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alerts")}
}

// Name implements NotificationChannel
func (c *LogChannel) Name() string {
	return "log"
}

// Send implements NotificationChannel
func (c *LogChannel) Send(ctx context.Context, alert *model.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("run_id", alert.RunID),
		zap.String("graph", alert.Graph),
		zap.Time("logical_time", alert.LogicalTime),
	}
	for _, f := range alert.Failures {
		fields = append(fields, zap.String("task."+f.Task, fmt.Sprintf("%d attempts: %s", f.Attempts, f.Error)))
	}
	c.logger.Error(alert.Message, fields...)
	return nil
}
