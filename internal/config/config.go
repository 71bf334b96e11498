package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the gateway.
type Config struct {
	App        AppConfig
	Log        LogConfig
	Session    SessionConfig
	Aggregator AggregatorConfig
	Webhook    WebhookConfig
	Pacing     PacingConfig
	Alert      AlertConfig
	SMTP       SMTPConfig
	Send       SendConfig
	Store      StoreConfig
	Kafka      KafkaConfig
	Worker     WorkerConfig
	Validation ValidationConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SessionConfig describes the supervised messaging session.
type SessionConfig struct {
	Name                 string
	Backend              string
	AuthDir              string
	BridgeURL            string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectCooldown    time.Duration
	SetupRetryDelay      time.Duration
}

// AggregatorConfig tunes inbound debouncing.
type AggregatorConfig struct {
	Debounce            time.Duration
	DispatchConcurrency int
}

// WebhookConfig points at the automation backend.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// PacingConfig controls the typing simulation used for replies.
type PacingConfig struct {
	Base    time.Duration
	PerChar time.Duration
	Max     time.Duration
}

// AlertConfig controls outage notifications.
type AlertConfig struct {
	Cooldown time.Duration
	Backend  string
	To       []string
}

// SMTPConfig stores SMTP credentials for alert delivery.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// SendConfig tunes the outbound send surface.
type SendConfig struct {
	Timeout             time.Duration
	MediaTimeout        time.Duration
	FFmpegPath          string
	ForceVoiceTranscode bool
	RatePerSecond       float64
	RateBurst           int
}

// StoreConfig locates the dispatch journal. An empty path disables it.
type StoreConfig struct {
	Path string
}

// KafkaConfig defines broker information and topics. No brokers disables Kafka.
type KafkaConfig struct {
	Brokers          []string
	EventsTopic      string
	SendRequestTopic string
	SendStatusTopic  string
	SendDLQTopic     string
	ConsumerGroup    string
}

// Enabled reports whether any broker was configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// WorkerConfig controls the outbound command worker.
type WorkerConfig struct {
	Concurrency int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// ValidationConfig holds the limits used while validating send requests.
type ValidationConfig struct {
	MsgMaxBytes     int
	TextMax         int
	MetaMaxEntries  int
	MetaMaxKeyLen   int
	MetaMaxValueLen int
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 3001, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Log.File = ldr.getString("LOG_FILE", "", false)
	cfg.Log.MaxSizeMB = ldr.getInt("LOG_MAX_SIZE_MB", 10, false)
	cfg.Log.MaxBackups = ldr.getInt("LOG_MAX_BACKUPS", 5, false)
	cfg.Log.MaxAgeDays = ldr.getInt("LOG_MAX_AGE_DAYS", 10, false)

	cfg.Session.Name = ldr.getString("SESSION_NAME", "default", false)
	cfg.Session.Backend = strings.ToLower(ldr.getString("SESSION_BACKEND", "bridge", false))
	cfg.Session.AuthDir = ldr.getString("SESSION_AUTH_DIR", "./auth", false)
	cfg.Session.BridgeURL = ldr.getString("BRIDGE_URL", "", cfg.Session.Backend == "bridge")
	cfg.Session.MaxReconnectAttempts = ldr.getInt("RECONNECT_MAX_ATTEMPTS", 5, false)
	cfg.Session.ReconnectBaseDelay = ldr.getDurationMs("RECONNECT_BASE_DELAY_MS", 5000, false)
	cfg.Session.ReconnectCooldown = ldr.getDurationMs("RECONNECT_COOLDOWN_MS", 300000, false)
	cfg.Session.SetupRetryDelay = ldr.getDurationMs("SETUP_RETRY_DELAY_MS", 5000, false)

	cfg.Aggregator.Debounce = ldr.getDurationMs("DEBOUNCE_MS", 0, false)
	cfg.Aggregator.DispatchConcurrency = ldr.getInt("DISPATCH_CONCURRENCY", 16, false)

	cfg.Webhook.URL = ldr.getString("WEBHOOK_URL", "", true)
	cfg.Webhook.Timeout = ldr.getDurationMs("WEBHOOK_TIMEOUT_MS", 30000, false)

	cfg.Pacing.Base = ldr.getDurationMs("PACING_BASE_MS", 800, false)
	cfg.Pacing.PerChar = ldr.getDurationMs("PACING_PER_CHAR_MS", 30, false)
	cfg.Pacing.Max = ldr.getDurationMs("PACING_MAX_MS", 4000, false)

	cfg.Alert.Cooldown = ldr.getDurationMs("ALERT_COOLDOWN_MS", 300000, false)
	cfg.Alert.Backend = strings.ToLower(ldr.getString("NOTIFIER_BACKEND", "log", false))
	smtpRequired := cfg.Alert.Backend == "smtp"
	cfg.Alert.To = ldr.getStringSlice("ALERT_EMAIL_TO", smtpRequired)

	cfg.SMTP.Host = ldr.getString("SMTP_HOST", "", smtpRequired)
	cfg.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)
	cfg.SMTP.From = ldr.getString("SMTP_FROM", "", smtpRequired)

	cfg.Send.Timeout = ldr.getDurationMs("SEND_TIMEOUT_MS", 25000, false)
	cfg.Send.MediaTimeout = ldr.getDurationMs("MEDIA_TIMEOUT_MS", 30000, false)
	cfg.Send.FFmpegPath = ldr.getString("FFMPEG_PATH", "ffmpeg", false)
	cfg.Send.ForceVoiceTranscode = ldr.getBool("FORCE_VOICE_TRANSCODE", false, false)
	cfg.Send.RatePerSecond = ldr.getFloat("SEND_RATE_PER_SECOND", 5, false)
	cfg.Send.RateBurst = ldr.getInt("SEND_RATE_BURST", 10, false)

	cfg.Store.Path = ldr.getString("STORE_PATH", "", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	kafkaRequired := len(cfg.Kafka.Brokers) > 0
	cfg.Kafka.EventsTopic = ldr.getString("KAFKA_EVENTS_TOPIC", "gateway.events", false)
	cfg.Kafka.SendRequestTopic = ldr.getString("KAFKA_SEND_REQUEST_TOPIC", "", kafkaRequired)
	cfg.Kafka.SendStatusTopic = ldr.getString("KAFKA_SEND_STATUS_TOPIC", "", kafkaRequired)
	cfg.Kafka.SendDLQTopic = ldr.getString("KAFKA_SEND_DLQ_TOPIC", "", kafkaRequired)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "", kafkaRequired)

	cfg.Worker.Concurrency = ldr.getInt("WORKER_CONCURRENCY", 4, false)
	cfg.Worker.MaxAttempts = ldr.getInt("WORKER_MAX_ATTEMPTS", 1, false)
	cfg.Worker.BaseBackoff = ldr.getDurationMs("WORKER_BASE_BACKOFF_MS", 2000, false)
	cfg.Worker.MaxBackoff = ldr.getDurationMs("WORKER_MAX_BACKOFF_MS", 60000, false)

	cfg.Validation.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 16<<20, false)
	cfg.Validation.TextMax = ldr.getInt("TEXT_MAX", 4096, false)
	cfg.Validation.MetaMaxEntries = ldr.getInt("META_MAX_ENTRIES", 20, false)
	cfg.Validation.MetaMaxKeyLen = ldr.getInt("META_MAX_KEY_LEN", 64, false)
	cfg.Validation.MetaMaxValueLen = ldr.getInt("META_MAX_VALUE_LEN", 256, false)

	switch cfg.Session.Backend {
	case "bridge", "mock":
	default:
		ldr.addError(fmt.Sprintf("SESSION_BACKEND must be bridge or mock, got %q", cfg.Session.Backend))
	}
	switch cfg.Alert.Backend {
	case "log", "smtp", "mock":
	default:
		ldr.addError(fmt.Sprintf("NOTIFIER_BACKEND must be log, smtp or mock, got %q", cfg.Alert.Backend))
	}
	if cfg.Session.MaxReconnectAttempts < 0 {
		ldr.addError("RECONNECT_MAX_ATTEMPTS cannot be negative")
	}
	if cfg.Aggregator.DispatchConcurrency < 1 {
		ldr.addError("DISPATCH_CONCURRENCY must be >= 1")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getDurationMs(key string, defMs int, required bool) time.Duration {
	ms := l.getInt(key, defMs, required)
	if ms < 0 {
		l.addError(fmt.Sprintf("%s cannot be negative", key))
		return time.Duration(defMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
