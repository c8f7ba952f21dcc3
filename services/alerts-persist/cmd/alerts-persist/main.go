package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rgq/edabank/libs/config"
	"github.com/rgq/edabank/libs/db"
	"github.com/rgq/edabank/libs/httpx"
	"github.com/rgq/edabank/libs/kafkax"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/rgq/edabank/libs/runtime"
	"github.com/rgq/edabank/services/alerts-persist/internal/dedup"
	"github.com/rgq/edabank/services/alerts-persist/internal/handlers"
	"github.com/rgq/edabank/services/alerts-persist/internal/sink"
	"github.com/rgq/edabank/services/alerts-persist/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type serviceConfig struct {
	KafkaBrokers  string        `env:"KAFKA_BROKERS,required"`
	GroupID       string        `env:"KAFKA_GROUP_ID" envDefault:"alerts-persist"`
	AlertsTopic   string        `env:"ALERTS_TOPIC" envDefault:"alerts"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	DedupTTL      time.Duration `env:"DEDUP_TTL" envDefault:"24h"`
	Migrate       bool          `env:"DB_MIGRATE" envDefault:"true"`
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "alerts-persist")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	cfg, err := config.Load[serviceConfig]()
	if err != nil {
		panic(err)
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	if cfg.Migrate {
		if err := db.Migrate(dbURL, storage.Migrations, storage.MigrationsDir); err != nil {
			logger.Error("db migration failed", "err", err)
			panic(err)
		}
		logger.Info("db migrations applied")
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	seen, closeDedup := dedup.Open(cfg.RedisAddr, cfg.RedisPassword, cfg.DedupTTL)
	defer closeDedup()
	if cfg.RedisAddr == "" {
		logger.Info("redis dedup disabled")
	}

	metrics := otelx.NewRegistry(service)
	repo := storage.NewRepository(pool)
	alertSink := sink.New(repo, seen, logger, metrics)

	reader := kafkax.NewReader(kafkax.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.AlertsTopic,
	})
	consumer := kafkax.NewConsumer(logger, reader, alertSink.Handle, kafkax.ConsumerOptions{Name: cfg.AlertsTopic})

	workers := runtime.NewWorkers(logger)
	workers.Go(ctx, "alert-sink", consumer.Run)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)},
		runtime.ReadyCheck{Name: "redis", Check: dedup.ReadyCheck(seen)},
	)
	mux.Handle("/debug/counters", metrics.Handler())
	handlers.New(repo, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	handler = otelhttp.NewHandler(handler, "alerts-persist")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")

	workers.Wait()
}
