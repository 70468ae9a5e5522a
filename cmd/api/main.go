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

	"github.com/your-org/gatepass/internal/api"
	"github.com/your-org/gatepass/internal/api/handlers"
	"github.com/your-org/gatepass/internal/api/ws"
	"github.com/your-org/gatepass/internal/config"
	"github.com/your-org/gatepass/internal/gallery"
	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/notify"
	"github.com/your-org/gatepass/internal/observability"
	"github.com/your-org/gatepass/internal/queue"
	"github.com/your-org/gatepass/internal/storage"
	"github.com/your-org/gatepass/internal/verify"
	"github.com/your-org/gatepass/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// A local .env is optional; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting gatepass API", "port", cfg.Server.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("migrate database", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// Face pipeline
	if err := vision.InitRuntime(cfg.Vision.ONNXLibPath); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer vision.DestroyRuntime()

	pipeline, err := vision.NewPipeline(cfg.Vision)
	if err != nil {
		slog.Error("init vision pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	notifier := notify.NewNotifier(db, producer)
	faces := gallery.New(pipeline.Dim(), cfg.Verify.CandidateCap)
	engine := verify.NewEngine(pipeline, faces, db, minioStore, producer, notifier, cfg.Verify)

	if st, err := db.GetFaceMatchSettings(ctx); err != nil {
		slog.Warn("load face match settings, using config defaults", "error", err)
	} else {
		engine.SetSettings(*st)
	}
	if err := engine.LoadGallery(ctx); err != nil {
		slog.Error("load gallery", "error", err)
		os.Exit(1)
	}

	// WebSocket hub fed by the CHANGES stream
	hub := ws.NewHub(notifier)
	go hub.Run(ctx)

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create change consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	err = consumer.ConsumeChanges(ctx, func(ctx context.Context, ev *models.ChangeEvent) error {
		hub.BroadcastChange(ev)
		return nil
	})
	if err != nil {
		slog.Warn("start change consumer, websocket clients get replay only", "error", err)
	}

	// Outbox relay for jobs whose publish was lost
	go queue.NewRelay(db, producer, cfg.Queue.RelayInterval).Run(ctx)

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:  cfg.Server.APIKey,
		Store:   db,
		Objects: minioStore,
		Jobs:    producer,
		Engine:  engine,
		Changes: notifier,
		Gallery: faces,
		Hub:     hub,
		Checks: map[string]handlers.Pinger{
			"postgres": db,
			"minio":    minioStore,
			"nats":     producer,
		},
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	consumer.Wait()

	slog.Info("API server stopped")
}
