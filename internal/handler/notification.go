package handler

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/weatherflow/internal/model"
)

// EmailConfig holds the SMTP settings of the email channel
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// EmailChannel sends alerts by email
type EmailChannel struct {
	logger   *zap.Logger
	config   EmailConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates a new email channel
func NewEmailChannel(config EmailConfig, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{
		logger:   logger.Named("email"),
		config:   config,
		sendMail: smtp.SendMail,
	}
}

// Name implements monitor.NotificationChannel
func (c *EmailChannel) Name() string {
	return "email"
}

// Send implements monitor.NotificationChannel
func (c *EmailChannel) Send(ctx context.Context, alert *model.Alert) error {
	if len(c.config.Recipients) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("",
			c.config.Username,
			c.config.Password,
			c.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	if err := c.sendMail(addr, auth, c.config.From, c.config.Recipients, c.message(alert)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	c.logger.Info("Alert email sent",
		zap.String("alert_id", alert.ID),
		zap.Int("recipients", len(c.config.Recipients)))
	return nil
}

func (c *EmailChannel) message(alert *model.Alert) []byte {
	var body strings.Builder
	fmt.Fprintf(&body, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&body, "Run: %s\r\nGraph: %s\r\nLogical time: %s\r\n\r\n",
		alert.RunID, alert.Graph, alert.LogicalTime.Format(time.RFC3339))
	for _, f := range alert.Failures {
		fmt.Fprintf(&body, "- %s (%d attempts): %s\r\n", f.Task, f.Attempts, f.Error)
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: [%s] %s failed\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s",
		c.config.From,
		strings.Join(c.config.Recipients, ", "),
		strings.ToUpper(string(alert.Severity)),
		alert.RunID,
		body.String())
	return []byte(msg)
}
