package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/gatepass/internal/config"
	"github.com/your-org/gatepass/internal/notify"
	"github.com/your-org/gatepass/internal/observability"
	"github.com/your-org/gatepass/internal/ocr"
	"github.com/your-org/gatepass/internal/queue"
	"github.com/your-org/gatepass/internal/reconcile"
	"github.com/your-org/gatepass/internal/storage"
)

const consumerName = "reconcile-workers"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting gatepass reconciliation worker",
		"workers", cfg.Reconcile.Workers,
		"max_attempts", cfg.Reconcile.MaxAttempts,
	)

	if err := run(cfg); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		return fmt.Errorf("connect to minio: %w", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connect to nats producer: %w", err)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// OCR engines: the cloud model is optional, tesseract is always there.
	var primary ocr.Engine
	if cfg.OCR.GeminiAPIKey != "" {
		gemini, err := ocr.NewGemini(ctx, cfg.OCR)
		if err != nil {
			return fmt.Errorf("init gemini: %w", err)
		}
		primary = gemini
	} else {
		slog.Warn("no gemini api key, reading cards with tesseract only")
	}
	fallback := ocr.NewTesseract(cfg.OCR)

	notifier := notify.NewNotifier(db, producer)
	worker := reconcile.NewWorker(db, minioStore, primary, fallback, notifier, cfg.Reconcile)

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	defer consumer.Close()

	g, ctx := errgroup.WithContext(ctx)

	if err := consumer.ConsumeJobs(ctx, consumerName, cfg.Queue.AckWait, worker.Process, cfg.Reconcile.Workers); err != nil {
		return fmt.Errorf("start job consumer: %w", err)
	}

	// Metrics endpoint
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: mux}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		slog.Info("worker metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	// Periodically report queue depth
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	})

	// In-flight jobs finish or are left unacked for redelivery.
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down worker...")
		consumer.Wait()
		return nil
	})

	return g.Wait()
}
