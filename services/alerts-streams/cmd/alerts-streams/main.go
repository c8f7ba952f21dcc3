package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rgq/edabank/libs/config"
	"github.com/rgq/edabank/libs/httpx"
	"github.com/rgq/edabank/libs/kafkax"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/rgq/edabank/libs/runtime"
	"github.com/rgq/edabank/services/alerts-streams/internal/evaluator"
	"github.com/rgq/edabank/services/alerts-streams/internal/ruletable"
	"github.com/rgq/edabank/services/alerts-streams/internal/source"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type serviceConfig struct {
	KafkaBrokers     string        `env:"KAFKA_BROKERS,required"`
	GroupID          string        `env:"KAFKA_GROUP_ID" envDefault:"alerts-streams"`
	SourceMode       string        `env:"SOURCE_MODE" envDefault:"outbox"`
	PaymentsTopic    string        `env:"PAYMENTS_TOPIC" envDefault:"payments-events"`
	TransfersTopic   string        `env:"TRANSFERS_TOPIC" envDefault:"transfers-events"`
	CDCTopic         string        `env:"CDC_TOPIC" envDefault:"dbz-outbox.pos.outbox"`
	RulesTopic       string        `env:"RULES_TOPIC" envDefault:"rule-updates"`
	AlertsTopic      string        `env:"ALERTS_TOPIC" envDefault:"alerts"`
	DefaultThreshold float64       `env:"ALERT_DEFAULT_THRESHOLD" envDefault:"10000"`
	Workers          int           `env:"EVALUATOR_WORKERS" envDefault:"1"`
	ReplayTimeout    time.Duration `env:"RULES_REPLAY_TIMEOUT" envDefault:"30s"`
	PublishTimeout   time.Duration `env:"ALERTS_PUBLISH_TIMEOUT" envDefault:"10s"`
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "alerts-streams")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	cfg, err := config.Load[serviceConfig]()
	if err != nil {
		panic(err)
	}
	decoder, err := source.ForMode(cfg.SourceMode)
	if err != nil {
		panic(err)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
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

	metrics := otelx.NewRegistry(service)
	table := ruletable.New()

	// Read without a group so every start replays the whole rule log.
	rulesReader := kafkax.NewTopicReader(cfg.KafkaBrokers, cfg.RulesTopic)
	ingester := ruletable.NewIngester(table, rulesReader, logger, metrics, ruletable.IngesterConfig{
		EndOffsets: func(ctx context.Context) (map[int]int64, error) {
			return kafkax.EndOffsets(ctx, cfg.KafkaBrokers, cfg.RulesTopic)
		},
	})

	producer, err := kafkax.NewProducer(kafkax.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		WriteTimeout: cfg.PublishTimeout,
	})
	if err != nil {
		panic(err)
	}
	defer producer.Close()

	eval := evaluator.New(table, decoder, producer, logger, metrics, evaluator.Config{
		DefaultThreshold: cfg.DefaultThreshold,
		AlertsTopic:      cfg.AlertsTopic,
	})

	workers := runtime.NewWorkers(logger)
	workers.Go(ctx, "rule-ingester", ingester.Run)

	if err := startGrpcServer(ctx, logger, grpcPort, ingester); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)},
		runtime.ReadyCheck{Name: "rules", Check: func(context.Context) error {
			if !ingester.IsReady() {
				return errors.New("rule table replay in progress")
			}
			return nil
		}},
	)
	mux.Handle("/debug/counters", metrics.Handler())
	mux.Handle("/debug/rules", table.Handler())

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	handler = otelhttp.NewHandler(handler, "alerts-streams")
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

	workers.Go(ctx, "evaluator", func(ctx context.Context) {
		if !ingester.WaitReady(ctx, cfg.ReplayTimeout) && ctx.Err() == nil {
			logger.Warn("rule replay not finished before timeout; evaluating with partial rules",
				"timeout", cfg.ReplayTimeout.String(),
				"rules", table.Len(),
			)
		}
		if ctx.Err() != nil {
			return
		}

		topics := []string{cfg.PaymentsTopic, cfg.TransfersTopic}
		if _, ok := decoder.(source.CDC); ok {
			topics = []string{cfg.CDCTopic}
		}
		consumers := runtime.NewWorkers(logger)
		for _, topic := range topics {
			for i := 0; i < cfg.Workers; i++ {
				reader := kafkax.NewReader(kafkax.ReaderConfig{
					Brokers: cfg.KafkaBrokers,
					GroupID: cfg.GroupID,
					Topic:   topic,
				})
				consumer := kafkax.NewConsumer(logger, reader, eval.Handle, kafkax.ConsumerOptions{Name: topic})
				consumers.Go(ctx, fmt.Sprintf("%s-%d", topic, i), consumer.Run)
			}
		}
		consumers.Wait()
	})

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")

	workers.Wait()
}
