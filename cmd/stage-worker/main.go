// Command stage-worker is a pipeline-stage skeleton: it connects the bus
// client, requeues work left incomplete by a prior process death, then
// consumes events until shut down.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/rueidis"

	"github.com/pagefold/eventbus"
	"github.com/pagefold/eventbus/config"
	"github.com/pagefold/eventbus/contracts"
	"github.com/pagefold/eventbus/dedup"
	"github.com/pagefold/eventbus/docstore"
	"github.com/pagefold/eventbus/internal/logger"
	"github.com/pagefold/eventbus/messaging"
	"github.com/pagefold/eventbus/metrics"
	"github.com/pagefold/eventbus/schema"
)

func main() {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("stage worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()

	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer, metrics.WithSinkLogger(log))
	go serveMetrics(cfg.MetricsAddr, log)

	registry := schema.NewRegistry()
	if err := registry.Register(&schema.Definition{
		EventType: "document.chunked",
		Required:  []string{"document_id"},
		Properties: map[string]schema.Kind{
			"document_id": schema.KindString,
			"chunk_count": schema.KindNumber,
		},
	}); err != nil {
		return err
	}

	store := docstore.NewPostgresStore(pool, docstore.WithStoreLogger(log))

	client, err := eventbus.NewClient(eventbus.ClientConfig{
		BrokerURL:            cfg.BrokerURL,
		Queue:                cfg.Queue,
		Exchange:             cfg.Exchange,
		PrefetchCount:        cfg.PrefetchCount,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	},
		eventbus.WithLogger(log),
		eventbus.WithValidator(registry),
		eventbus.WithMetrics(sink),
		eventbus.WithDocumentStore(store),
	)
	if err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Warn("close failed", "error", err)
		}
	}()

	// Re-emit events for documents a previous process parsed but never
	// finished chunking.
	requeued, err := client.Requeuer().RequeueIncomplete(ctx, messaging.RequeueSpec{
		Collection: "documents",
		Filter:     map[string]any{"status": "parsed"},
		Limit:      cfg.RequeueLimit,
		EventType:  "document.parsed",
		RoutingKey: "document.parsed",
		IDField:    "document_id",
		BuildData: func(rec messaging.Record) (any, error) {
			return map[string]any{"document_id": rec["document_id"]}, nil
		},
	})
	if err != nil {
		return err
	}
	log.Info("startup requeue complete", "requeued", requeued)

	checker := dedup.NewRedisChecker(redisClient)
	reporter := messaging.LogReporter{Logger: log}

	handler := dedup.Idempotent(checker, log,
		messaging.WrapReported(reporter, handleParsed(client, log)))

	if err := client.Subscriber().Subscribe(ctx, "document.parsed", handler, "document.parsed"); err != nil {
		return err
	}

	if err := client.Subscriber().Start(ctx); err != nil {
		return err
	}

	log.Info("stage worker running", "queue", cfg.Queue)
	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// handleParsed stands in for the stage's business logic: it chunks a parsed
// document and emits the follow-up event.
func handleParsed(client *eventbus.Client, log *slog.Logger) messaging.Callback {
	return func(ctx context.Context, env *contracts.Envelope) error {
		var payload struct {
			DocumentID string `json:"document_id"`
		}
		if err := env.UnmarshalData(&payload); err != nil {
			return err
		}

		log.Info("processing document", "documentId", payload.DocumentID)

		return client.PublishEvent(ctx, "document.chunked", "document.chunked", map[string]any{
			"document_id": payload.DocumentID,
			"chunk_count": 0,
		})
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics endpoint failed", "error", err)
	}
}
