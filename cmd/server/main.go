package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/catalog"
	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/directory"
	"github.com/example/service-dispatch/internal/dispatch"
	httpapi "github.com/example/service-dispatch/internal/http"
	"github.com/example/service-dispatch/internal/ingest"
	"github.com/example/service-dispatch/internal/lifecycle"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/matcher"
	"github.com/example/service-dispatch/internal/pricing"
	"github.com/example/service-dispatch/internal/storage"
	"github.com/example/service-dispatch/internal/wallet"
)

func main() {
	cfg, err := config.LoadServerConfig()
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.ServerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store storage.RequestStore
		cat   catalog.Catalog
		ready []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(pg.DB(), cfg.MigrationsPath, logger); err != nil {
				return err
			}
		}
		loaded, err := catalog.LoadPostgres(ctx, pg.DB())
		if err != nil {
			return err
		}
		store, cat = pg, loaded
		ready = append(ready, pg.DB().PingContext)
		logger.Info("using postgres store")
	} else {
		store, cat = storage.NewMemoryStore(), catalog.Seed()
		logger.Info("using in-memory store and seed catalog")
	}

	var (
		presence directory.Presence = directory.NewMemoryPresence()
		fees     lifecycle.FeeSource = lifecycle.StaticFee(cfg.CancellationFee)
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		presence = directory.NewRedisPresence(directory.NewRedisCmds(rc), cfg.RedisPresenceKey)
		fees = &lifecycle.RedisFee{
			Client:  lifecycle.RedisGetter(rc),
			Key:     cfg.CancellationFeeKey,
			Default: cfg.CancellationFee,
			Log:     logger,
		}
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("using redis presence", zap.String("addr", cfg.RedisAddr))
	}

	var ledger wallet.Ledger = wallet.NewStaticLedger()
	if cfg.StripeAPIKey != "" {
		ledger = wallet.NewStripeLedger(cfg.StripeAPIKey)
		logger.Info("using stripe wallet ledger")
	}

	sessions := dispatch.NewWSRegistry(logger)
	sinks := dispatch.Multi{sessions}
	changes := ingest.Multi{ingest.NewHub(sessions)}
	if len(cfg.KafkaBrokers) > 0 {
		wc := dispatch.WriterConfig{
			Brokers:      cfg.KafkaBrokers,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: cfg.KafkaBatchTimeout,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}
		wc.Topic = cfg.KafkaNotificationsTopic
		ks := dispatch.NewKafkaSink(wc)
		defer ks.Close()
		wc.Topic = cfg.KafkaChangesTopic
		kp := ingest.NewKafkaProducer(wc)
		defer kp.Close()

		// Kafka writes leave the request path; the websocket hub stays inline.
		async := ingest.NewAsync(kp, cfg.ChangeQueueSize, logger)
		asyncDone := make(chan struct{})
		go func() {
			defer close(asyncDone)
			async.Run(context.Background())
		}()
		defer func() {
			async.Close()
			<-asyncDone
		}()

		sinks = append(sinks, ks)
		changes = append(changes, async)
		logger.Info("using kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.Duration("batch_timeout", cfg.KafkaBatchTimeout))
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, dispatch.NewHTTPSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))
	}
	sinks = append(sinks, dispatch.LogSink{Log: logger})

	outbox := dispatch.NewOutbox(sinks, cfg.NotifyQueueSize, logger)
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		outbox.Run(context.Background())
	}()
	defer func() {
		outbox.Close()
		<-outboxDone
	}()

	dir := directory.New(store, presence, ledger, logger)
	router := matcher.NewRouter(cat, dir, store, matcher.FuzzyMatcher{Threshold: cfg.MatchThreshold}, logger)
	engine := lifecycle.New(lifecycle.Deps{
		Store:     store,
		Catalog:   cat,
		Directory: dir,
		Router:    router,
		Notifier:  outbox,
		Changes:   changes,
		Fees:      fees,
		Pricing:   pricing.Calculator{UrgentMultiplierPct: cfg.UrgentMultiplierPct},
		Log:       logger,
	})

	api := httpapi.NewServer(engine, sessions, dir, logger)
	api.Ready = func(ctx context.Context) error {
		for _, check := range ready {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("service-dispatch listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
