package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/directory"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total technician presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	presenceUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_updates_total",
		Help: "Total successful presence writes",
	})
	presenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_errors_total",
		Help: "Total presence writes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, presenceUpdates, presenceErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	presence := directory.NewRedisPresence(directory.NewRedisCmds(rc), cfg.RedisPresenceKey)

	// metrics and health
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.PresenceTopic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening",
		zap.String("topic", cfg.PresenceTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.Group))

	consume(ctx, r, presence, logger)
	logger.Info("shutting down consumer")
}

// MessageReader is the part of *kafka.Reader the loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r MessageReader, p directory.Presence, logger *zap.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		u, err := decodePresence(m)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}
		if err := updatePresenceWithRetry(ctx, p, u, 3, 200*time.Millisecond); err != nil {
			presenceErrors.Inc()
			logger.Error("presence update failed", zap.String("technician_id", u.TechnicianID), zap.Error(err))
			continue
		}
		presenceUpdates.Inc()
	}
}

// decodePresence parses one event. The message key is used when the payload omits the
// technician id.
func decodePresence(m kafka.Message) (models.PresenceUpdate, error) {
	var u models.PresenceUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil {
		return u, err
	}
	if u.TechnicianID == "" {
		u.TechnicianID = string(m.Key)
	}
	if u.TechnicianID == "" {
		return u, fmt.Errorf("presence event without technician id")
	}
	if u.Updated.IsZero() {
		u.Updated = m.Time
	}
	return u, nil
}

// updatePresenceWithRetry writes u with doubling backoff between attempts.
func updatePresenceWithRetry(ctx context.Context, p directory.Presence, u models.PresenceUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = p.Set(ctx, u); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
