package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/notification-dispatcher/internal/tracking"
)

// Config captures all runtime configuration for the dispatcher.
type Config struct {
	App      AppConfig
	Email    EmailConfig
	SMTP     SMTPConfig
	Fallback FallbackConfig
	Dispatch DispatchConfig
	Tracking TrackingConfig
	Kafka    KafkaConfig
	Admin    AdminConfig
	Timeouts TimeoutConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// EmailConfig selects and configures the primary transport.
type EmailConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	From     string
	FromName string
	ReplyTo  string
}

// SMTPConfig stores SMTP credentials for the smtp primary backend.
type SMTPConfig struct {
	Host               string
	Port               int
	User               string
	Pass               string
	InsecureSkipVerify bool
}

// FallbackConfig configures the webhook fallback. An empty URL disables it.
type FallbackConfig struct {
	WebhookURL  string
	IncludeBody bool
}

// DispatchConfig controls retry, pacing and batching.
type DispatchConfig struct {
	UseQueue           bool
	MaxRetries         int
	BaseRetryDelayMs   int
	BatchSize          int
	BatchDelayMs       int
	QueueItemDelayMs   int
	SendTimeoutSeconds int
}

// TrackingConfig selects the delivery record backend.
type TrackingConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RetentionDays int
}

// KafkaConfig enables the optional Kafka plumbing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers       []string
	StatusTopic   string
	RequestTopic  string
	ConsumerGroup string
}

// AdminConfig holds admin API limits.
type AdminConfig struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

// TimeoutConfig contains timeout thresholds for outbound providers.
type TimeoutConfig struct {
	ProviderTimeoutSeconds int
}

// FallbackEnabled reports whether a fallback webhook is configured.
func (c FallbackConfig) FallbackEnabled() bool { return c.WebhookURL != "" }

// BaseRetryDelay returns the base backoff as a duration.
func (c DispatchConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMs) * time.Millisecond
}

// BatchDelay returns the inter-chunk delay as a duration.
func (c DispatchConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// QueueItemDelay returns the inter-item pacing delay as a duration.
func (c DispatchConfig) QueueItemDelay() time.Duration {
	return time.Duration(c.QueueItemDelayMs) * time.Millisecond
}

// SendTimeout returns the hard ceiling for a single Send.
func (c DispatchConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// ProviderTimeout returns the per-call transport timeout.
func (c TimeoutConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// Retention returns the default prune window.
func (c TrackingConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Email.Provider = strings.ToLower(ldr.getString("EMAIL_PROVIDER", "api", false))
	cfg.Email.APIKey = ldr.getString("EMAIL_API_KEY", "", false)
	cfg.Email.BaseURL = ldr.getString("EMAIL_API_BASE_URL", "https://api.resend.com", false)
	cfg.Email.From = ldr.getString("EMAIL_FROM", "", false)
	cfg.Email.FromName = ldr.getString("EMAIL_FROM_NAME", "", false)
	cfg.Email.ReplyTo = ldr.getString("EMAIL_REPLY_TO", "", false)

	cfg.SMTP.Host = ldr.getString("SMTP_HOST", "", false)
	cfg.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)
	cfg.SMTP.InsecureSkipVerify = ldr.getBool("SMTP_INSECURE_SKIP_VERIFY", false, false)

	cfg.Fallback.WebhookURL = ldr.getString("FALLBACK_WEBHOOK_URL", "", false)
	cfg.Fallback.IncludeBody = ldr.getBool("FALLBACK_INCLUDE_BODY", false, false)

	cfg.Dispatch.UseQueue = ldr.getBool("DISPATCH_USE_QUEUE", true, false)
	cfg.Dispatch.MaxRetries = ldr.getInt("DISPATCH_MAX_RETRIES", 3, false)
	cfg.Dispatch.BaseRetryDelayMs = ldr.getInt("DISPATCH_BASE_RETRY_DELAY_MS", 1000, false)
	cfg.Dispatch.BatchSize = ldr.getInt("DISPATCH_BATCH_SIZE", 10, false)
	cfg.Dispatch.BatchDelayMs = ldr.getInt("DISPATCH_BATCH_DELAY_MS", 1000, false)
	cfg.Dispatch.QueueItemDelayMs = ldr.getInt("DISPATCH_QUEUE_ITEM_DELAY_MS", 100, false)
	cfg.Dispatch.SendTimeoutSeconds = ldr.getInt("DISPATCH_SEND_TIMEOUT_SECONDS", 120, false)

	cfg.Tracking.Backend = strings.ToLower(ldr.getString("TRACKING_BACKEND", "memory", false))
	cfg.Tracking.RedisAddr = ldr.getString("TRACKING_REDIS_ADDR", "", false)
	cfg.Tracking.RedisPassword = ldr.getString("TRACKING_REDIS_PASSWORD", "", false)
	cfg.Tracking.RedisDB = ldr.getInt("TRACKING_REDIS_DB", 0, false)
	cfg.Tracking.RetentionDays = ldr.getInt("TRACKING_RETENTION_DAYS", tracking.DefaultRetentionDays, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_STATUS_TOPIC", "", false)
	cfg.Kafka.RequestTopic = ldr.getString("KAFKA_REQUEST_TOPIC", "", false)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "", false)

	cfg.Admin.RateLimitRPS = ldr.getFloat("ADMIN_RATE_LIMIT_RPS", 20, false)
	cfg.Admin.RateLimitBurst = ldr.getInt("ADMIN_RATE_LIMIT_BURST", 50, false)

	cfg.Timeouts.ProviderTimeoutSeconds = ldr.getInt("PROVIDER_TIMEOUT_SECONDS", 30, false)

	ldr.check(cfg)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// check applies range and cross-field rules.
func (l *envLoader) check(cfg *Config) {
	switch cfg.Email.Provider {
	case "api", "smtp", "mock":
	default:
		l.addError(fmt.Sprintf("EMAIL_PROVIDER must be one of api, smtp, mock; got %q", cfg.Email.Provider))
	}
	if cfg.Email.Provider == "smtp" && cfg.Email.APIKey != "" && cfg.SMTP.Host == "" {
		l.addError("SMTP_HOST is required when EMAIL_PROVIDER=smtp")
	}
	if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
		l.addError("SMTP_PORT must be between 1 and 65535")
	}

	l.checkURL("EMAIL_API_BASE_URL", cfg.Email.BaseURL)
	if cfg.Fallback.WebhookURL != "" {
		l.checkURL("FALLBACK_WEBHOOK_URL", cfg.Fallback.WebhookURL)
	}

	l.checkMin("APP_PORT", cfg.App.Port, 1)
	l.checkMin("DISPATCH_MAX_RETRIES", cfg.Dispatch.MaxRetries, 0)
	l.checkMin("DISPATCH_BASE_RETRY_DELAY_MS", cfg.Dispatch.BaseRetryDelayMs, 0)
	l.checkMin("DISPATCH_BATCH_SIZE", cfg.Dispatch.BatchSize, 1)
	l.checkMin("DISPATCH_BATCH_DELAY_MS", cfg.Dispatch.BatchDelayMs, 0)
	l.checkMin("DISPATCH_QUEUE_ITEM_DELAY_MS", cfg.Dispatch.QueueItemDelayMs, 0)
	l.checkMin("DISPATCH_SEND_TIMEOUT_SECONDS", cfg.Dispatch.SendTimeoutSeconds, 1)
	l.checkMin("PROVIDER_TIMEOUT_SECONDS", cfg.Timeouts.ProviderTimeoutSeconds, 1)
	l.checkMin("TRACKING_RETENTION_DAYS", cfg.Tracking.RetentionDays, 1)
	l.checkMin("ADMIN_RATE_LIMIT_BURST", cfg.Admin.RateLimitBurst, 1)
	if cfg.Admin.RateLimitRPS <= 0 {
		l.addError("ADMIN_RATE_LIMIT_RPS must be positive")
	}

	switch cfg.Tracking.Backend {
	case "memory":
	case "redis":
		if cfg.Tracking.RedisAddr == "" {
			l.addError("TRACKING_REDIS_ADDR is required when TRACKING_BACKEND=redis")
		}
	default:
		l.addError(fmt.Sprintf("TRACKING_BACKEND must be memory or redis; got %q", cfg.Tracking.Backend))
	}

	if cfg.Kafka.RequestTopic != "" && cfg.Kafka.ConsumerGroup == "" {
		l.addError("KAFKA_CONSUMER_GROUP is required when KAFKA_REQUEST_TOPIC is set")
	}
	if len(cfg.Kafka.Brokers) == 0 && (cfg.Kafka.RequestTopic != "" || cfg.Kafka.StatusTopic != "") {
		l.addError("KAFKA_BROKERS is required when a Kafka topic is set")
	}
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

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
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

func (l *envLoader) checkMin(key string, value, min int) {
	if value < min {
		l.addError(fmt.Sprintf("%s must be >= %d", key, min))
	}
}

func (l *envLoader) checkURL(key, value string) {
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		l.addError(fmt.Sprintf("%s must be an http(s) url", key))
	}
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
