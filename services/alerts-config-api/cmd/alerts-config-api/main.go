package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rgq/edabank/libs/config"
	"github.com/rgq/edabank/libs/httpx"
	"github.com/rgq/edabank/libs/kafkax"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/rgq/edabank/libs/runtime"
	"github.com/rgq/edabank/services/alerts-config-api/internal/rules"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type serviceConfig struct {
	KafkaBrokers        string        `env:"KAFKA_BROKERS,required"`
	RulesTopic          string        `env:"RULES_TOPIC" envDefault:"rule-updates"`
	APIKey              string        `env:"RULES_API_KEY"`
	EnforceTenantHeader bool          `env:"RULES_ENFORCE_TENANT_HEADER" envDefault:"false"`
	PublishTimeout      time.Duration `env:"RULES_PUBLISH_TIMEOUT" envDefault:"10s"`
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "alerts-config-api")
	port, err := config.Port("PORT", "8082")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	cfg, err := config.Load[serviceConfig]()
	if err != nil {
		panic(err)
	}
	if cfg.APIKey == "" {
		logger.Warn("RULES_API_KEY not set; rule submission is unauthenticated")
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

	producer, err := kafkax.NewProducer(kafkax.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		WriteTimeout: cfg.PublishTimeout,
	})
	if err != nil {
		panic(err)
	}
	defer producer.Close()

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)},
	)
	rules.New(producer, logger, rules.Config{
		Topic:               cfg.RulesTopic,
		APIKey:              cfg.APIKey,
		EnforceTenantHeader: cfg.EnforceTenantHeader,
	}).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(64<<10),
		httpx.WithTimeout(15*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "alerts-config-api")
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
}
