package notify

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/config"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/notify/email"
)

// Notifier delivers an outage notification to operators.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n models.Notification) error {
	ev := l.logger.Warn()
	if n.Recovery {
		ev = l.logger.Info()
	}
	if n.StatusCode != nil {
		ev = ev.Int("status_code", *n.StatusCode)
	}
	ev.Str("notification_id", n.ID).
		Str("class", string(n.Class)).
		Str("label", n.Label).
		Bool("recovery", n.Recovery).
		Str("detail", n.Detail).
		Msg(n.Message)
	return nil
}

// mockRecipient is used by the mock backend when no recipients are configured.
const mockRecipient = "ops@localhost"

// New constructs the configured notifier backend: smtp, mock or log.
func New(alertCfg config.AlertConfig, smtpCfg config.SMTPConfig, logger zerolog.Logger) (Notifier, error) {
	backend := normalize(alertCfg.Backend, "log")
	switch backend {
	case "smtp":
		transport, err := email.NewSMTPTransport(smtpCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("notify: smtp transport init: %w", err)
		}
		n, err := email.NewNotifier(transport, alertCfg.To, logger)
		if err != nil {
			return nil, fmt.Errorf("notify: email notifier init: %w", err)
		}
		logger.Info().Str("backend", backend).Msg("alert notifier initialised")
		return n, nil
	case "mock":
		to := alertCfg.To
		if len(to) == 0 {
			to = []string{mockRecipient}
		}
		n, err := email.NewNotifier(email.NewMockTransport(logger), to, logger)
		if err != nil {
			return nil, fmt.Errorf("notify: email notifier init: %w", err)
		}
		logger.Info().Str("backend", backend).Msg("alert notifier initialised")
		return n, nil
	case "log":
		logger.Info().Str("backend", backend).Msg("alert notifier initialised")
		return NewLogNotifier(logger), nil
	default:
		return nil, fmt.Errorf("notify: unsupported notifier backend %q", alertCfg.Backend)
	}
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
