package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rgq/edabank/libs/alerting"
	"github.com/rgq/edabank/libs/config"
	"github.com/rgq/edabank/libs/db"
	"github.com/rgq/edabank/libs/httpx"
	"github.com/rgq/edabank/libs/kafkax"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/rgq/edabank/libs/runtime"
	"github.com/rgq/edabank/services/transactions-service/internal/handlers"
	"github.com/rgq/edabank/services/transactions-service/internal/outbox"
	"github.com/rgq/edabank/services/transactions-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type serviceConfig struct {
	KafkaBrokers   string        `env:"KAFKA_BROKERS"`
	PaymentsTopic  string        `env:"PAYMENTS_TOPIC" envDefault:"payments-events"`
	TransfersTopic string        `env:"TRANSFERS_TOPIC" envDefault:"transfers-events"`
	PollInterval   time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"10s"`
	BatchSize      int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	PublishTimeout time.Duration `env:"OUTBOX_PUBLISH_TIMEOUT" envDefault:"10s"`
	Migrate        bool          `env:"DB_MIGRATE" envDefault:"true"`
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "transactions-service")
	port, err := config.Port("PORT", "8081")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	cfg, err := config.Load[serviceConfig]()
	if err != nil {
		panic(err)
	}
	if cfg.PaymentsTopic == "" {
		cfg.PaymentsTopic = alerting.TopicPayments
	}
	if cfg.TransfersTopic == "" {
		cfg.TransfersTopic = alerting.TopicTransfers
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

	metrics := otelx.NewRegistry(service)
	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewRepository(pool, outboxRepo)

	workers := runtime.NewWorkers(logger)
	producer, err := kafkax.NewProducer(kafkax.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		WriteTimeout: cfg.PublishTimeout,
	})
	if err != nil {
		logger.Warn("outbox relay disabled", "err", err)
	} else {
		defer producer.Close()
		relay := outbox.NewRelay(outboxRepo, producer, logger, metrics, outbox.RelayConfig{
			PollEvery: cfg.PollInterval,
			BatchSize: cfg.BatchSize,
		})
		workers.Go(ctx, "outbox-relay", relay.Run)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)},
	)
	mux.Handle("/debug/counters", metrics.Handler())
	handlers.New(repo, logger, handlers.Config{
		PaymentsTopic:  cfg.PaymentsTopic,
		TransfersTopic: cfg.TransfersTopic,
	}).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
	)
	handler = otelhttp.NewHandler(handler, "transactions")
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
