package config_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/example/wa-gateway/internal/config"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WEBHOOK_URL", "https://automation.example.com/hook")
	t.Setenv("SESSION_BACKEND", "mock")
	t.Setenv("NOTIFIER_BACKEND", "log")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("BRIDGE_URL", "")
	t.Setenv("DEBOUNCE_MS", "")
}

func TestLoadDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Port != 3001 {
		t.Fatalf("expected default port 3001, got %d", cfg.App.Port)
	}
	if cfg.Session.Name != "default" {
		t.Fatalf("expected default session name, got %s", cfg.Session.Name)
	}
	if cfg.Session.MaxReconnectAttempts != 5 {
		t.Fatalf("expected 5 reconnect attempts, got %d", cfg.Session.MaxReconnectAttempts)
	}
	if cfg.Session.ReconnectBaseDelay != 5*time.Second {
		t.Fatalf("expected 5s base delay, got %s", cfg.Session.ReconnectBaseDelay)
	}
	if cfg.Session.ReconnectCooldown != 5*time.Minute {
		t.Fatalf("expected 5m cooldown, got %s", cfg.Session.ReconnectCooldown)
	}
	if cfg.Aggregator.Debounce != 0 {
		t.Fatalf("expected debounce disabled by default, got %s", cfg.Aggregator.Debounce)
	}
	if cfg.Webhook.Timeout != 30*time.Second {
		t.Fatalf("expected 30s webhook timeout, got %s", cfg.Webhook.Timeout)
	}
	if cfg.Alert.Cooldown != 5*time.Minute {
		t.Fatalf("expected 5m alert cooldown, got %s", cfg.Alert.Cooldown)
	}
	if cfg.Pacing.Base != 800*time.Millisecond || cfg.Pacing.PerChar != 30*time.Millisecond || cfg.Pacing.Max != 4*time.Second {
		t.Fatalf("unexpected pacing defaults: %+v", cfg.Pacing)
	}
	if cfg.Worker.MaxAttempts != 1 {
		t.Fatalf("expected worker max attempts 1, got %d", cfg.Worker.MaxAttempts)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("expected kafka disabled without brokers")
	}
}

func TestLoadOverrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("APP_PORT", "9000")
	t.Setenv("DEBOUNCE_MS", "2000")
	t.Setenv("SESSION_NAME", "sales")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("KAFKA_SEND_REQUEST_TOPIC", "wa.send")
	t.Setenv("KAFKA_SEND_STATUS_TOPIC", "wa.status")
	t.Setenv("KAFKA_SEND_DLQ_TOPIC", "wa.dlq")
	t.Setenv("KAFKA_CONSUMER_GROUP", "wa-gateway")
	t.Setenv("FORCE_VOICE_TRANSCODE", "true")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.App.Port)
	}
	if cfg.Aggregator.Debounce != 2*time.Second {
		t.Fatalf("expected 2s debounce, got %s", cfg.Aggregator.Debounce)
	}
	if cfg.Session.Name != "sales" {
		t.Fatalf("expected session sales, got %s", cfg.Session.Name)
	}
	wantBrokers := []string{"broker-a:9092", "broker-b:9093"}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, wantBrokers) {
		t.Fatalf("expected brokers %v, got %v", wantBrokers, cfg.Kafka.Brokers)
	}
	if !cfg.Kafka.Enabled() {
		t.Fatalf("expected kafka enabled")
	}
	if !cfg.Send.ForceVoiceTranscode {
		t.Fatalf("expected forced voice transcode")
	}
}

func TestLoadMissingWebhook(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("WEBHOOK_URL", "")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected error when WEBHOOK_URL is missing")
	}
	if !strings.Contains(err.Error(), "WEBHOOK_URL is required") {
		t.Fatalf("expected error to mention WEBHOOK_URL, got %q", err.Error())
	}
}

func TestLoadBridgeBackendRequiresURL(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("SESSION_BACKEND", "bridge")

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "BRIDGE_URL is required") {
		t.Fatalf("expected BRIDGE_URL error, got %v", err)
	}
}

func TestLoadKafkaRequiresTopics(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("KAFKA_BROKERS", "broker-a:9092")
	t.Setenv("KAFKA_SEND_REQUEST_TOPIC", "")
	t.Setenv("KAFKA_SEND_STATUS_TOPIC", "")
	t.Setenv("KAFKA_SEND_DLQ_TOPIC", "")
	t.Setenv("KAFKA_CONSUMER_GROUP", "")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected error when kafka topics are missing")
	}
	for _, key := range []string{"KAFKA_SEND_REQUEST_TOPIC", "KAFKA_SEND_STATUS_TOPIC", "KAFKA_SEND_DLQ_TOPIC", "KAFKA_CONSUMER_GROUP"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error to mention %s, got %q", key, err.Error())
		}
	}
}

func TestLoadSMTPNotifierRequiresCredentials(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("NOTIFIER_BACKEND", "smtp")
	t.Setenv("SMTP_HOST", "")
	t.Setenv("SMTP_FROM", "")
	t.Setenv("ALERT_EMAIL_TO", "")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected error when smtp settings are missing")
	}
	msg := err.Error()
	for _, key := range []string{"SMTP_HOST", "SMTP_FROM", "ALERT_EMAIL_TO"} {
		if !strings.Contains(msg, key) {
			t.Fatalf("expected error to mention %s, got %q", key, msg)
		}
	}
}

func TestLoadInvalidValues(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("SESSION_BACKEND", "carrier-pigeon")
	t.Setenv("DEBOUNCE_MS", "-5")
	t.Setenv("APP_PORT", "abc")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "SESSION_BACKEND must be bridge or mock") {
		t.Fatalf("expected backend error, got %q", msg)
	}
	if !strings.Contains(msg, "DEBOUNCE_MS cannot be negative") {
		t.Fatalf("expected debounce error, got %q", msg)
	}
	if !strings.Contains(msg, "APP_PORT must be a valid integer") {
		t.Fatalf("expected port error, got %q", msg)
	}
}
