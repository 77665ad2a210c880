package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from the environment, optionally seeded from a .env file, with defaults that
// let the binary run locally on in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN          string
	RunMigrations  bool
	MigrationsPath string

	RedisAddr        string
	RedisPassword    string
	RedisPresenceKey string

	KafkaBrokers            []string
	KafkaChangesTopic       string
	KafkaNotificationsTopic string
	KafkaBatchSize          int
	KafkaBatchTimeout       time.Duration
	KafkaRequiredAcks       int
	KafkaCompression        string
	ChangeQueueSize         int

	StripeAPIKey string

	NotifyWebhookURL string
	NotifyWebhookKey string
	NotifyQueueSize  int

	CancellationFee     int64
	CancellationFeeKey  string
	UrgentMultiplierPct int64
	MatchThreshold      float64

	LogLevel string
}

// ConsumerConfig configures the presence consumer.
type ConsumerConfig struct {
	MetricsAddr      string
	KafkaBrokers     []string
	PresenceTopic    string
	Group            string
	RedisAddr        string
	RedisPassword    string
	RedisPresenceKey string
	LogLevel         string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                ":8080",
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            10 * time.Second,
		IdleTimeout:             120 * time.Second,
		ShutdownTimeout:         15 * time.Second,
		MigrationsPath:          "migrations",
		RedisPresenceKey:        "technicians_geo",
		KafkaChangesTopic:       "service-request-changes",
		KafkaNotificationsTopic: "service-notifications",
		KafkaBatchSize:          100,
		KafkaBatchTimeout:       10 * time.Millisecond,
		KafkaRequiredAcks:       1,
		KafkaCompression:        "snappy",
		ChangeQueueSize:         1024,
		NotifyQueueSize:         1024,
		CancellationFee:         2000,
		CancellationFeeKey:      "config:cancellation_fee",
		UrgentMultiplierPct:     120,
		MatchThreshold:          0.6,
		LogLevel:                "info",
	}
}

// loadDotEnv reads .env (or ENV_FILE) if present. Existing variables win.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = strings.TrimSpace(os.Getenv("PG_DSN"))
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setStringFromEnv(&cfg.MigrationsPath, "MIGRATIONS_PATH")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPresenceKey, "REDIS_PRESENCE_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaChangesTopic, "KAFKA_CHANGES_TOPIC")
	setStringFromEnv(&cfg.KafkaNotificationsTopic, "KAFKA_NOTIFICATIONS_TOPIC")
	setIntFromEnv(&cfg.KafkaBatchSize, "KAFKA_BATCH_SIZE", &errs)
	setDurationFromEnv(&cfg.KafkaBatchTimeout, "KAFKA_BATCH_TIMEOUT", &errs)
	setIntFromEnv(&cfg.KafkaRequiredAcks, "KAFKA_REQUIRED_ACKS", &errs)
	setStringFromEnv(&cfg.KafkaCompression, "KAFKA_COMPRESSION")
	setIntFromEnv(&cfg.ChangeQueueSize, "CHANGE_QUEUE_SIZE", &errs)

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")
	setIntFromEnv(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)

	setInt64FromEnv(&cfg.CancellationFee, "CANCELLATION_FEE", &errs)
	setStringFromEnv(&cfg.CancellationFeeKey, "CANCELLATION_FEE_KEY")
	setInt64FromEnv(&cfg.UrgentMultiplierPct, "URGENT_MULTIPLIER_PCT", &errs)
	setFloatFromEnv(&cfg.MatchThreshold, "MATCH_THRESHOLD", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.NotifyQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_QUEUE_SIZE must be > 0"))
	}
	if cfg.ChangeQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("CHANGE_QUEUE_SIZE must be > 0"))
	}
	if cfg.KafkaRequiredAcks < -1 || cfg.KafkaRequiredAcks > 1 {
		errs = append(errs, fmt.Errorf("KAFKA_REQUIRED_ACKS must be -1, 0 or 1"))
	}
	if cfg.CancellationFee < 0 {
		errs = append(errs, fmt.Errorf("CANCELLATION_FEE must be >= 0"))
	}
	if cfg.UrgentMultiplierPct < 100 {
		errs = append(errs, fmt.Errorf("URGENT_MULTIPLIER_PCT must be >= 100"))
	}
	if cfg.MatchThreshold <= 0 || cfg.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("MATCH_THRESHOLD must be in (0, 1]"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:      ":2112",
		KafkaBrokers:     []string{"localhost:9092"},
		PresenceTopic:    "technician-presence",
		Group:            "service-dispatch-presence",
		RedisAddr:        "localhost:6379",
		RedisPresenceKey: "technicians_geo",
		LogLevel:         "info",
	}
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.PresenceTopic, "KAFKA_PRESENCE_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPresenceKey, "REDIS_PRESENCE_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		i, err := cast.ToIntE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		i, err := cast.ToInt64E(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
