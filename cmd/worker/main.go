/**
 * Region OCR Worker - Main Entry Point
 *
 * Extracts field values from scanned commercial real-estate documents.
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed extract-document queue
 * - Region detection cascade: text-detection model, classical image
 *   analysis, document-family template
 * - Region OCR with Tesseract, confidence scoring, optional AI review of
 *   low-confidence values
 * - PostgreSQL persistence for manual regions, records and job status
 * - HTTP API for manual regions and job submission
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/regionocr-worker/internal/api"
	"github.com/adverant/nexus/regionocr-worker/internal/clients"
	"github.com/adverant/nexus/regionocr-worker/internal/confidence"
	"github.com/adverant/nexus/regionocr-worker/internal/config"
	"github.com/adverant/nexus/regionocr-worker/internal/extraction"
	"github.com/adverant/nexus/regionocr-worker/internal/logging"
	"github.com/adverant/nexus/regionocr-worker/internal/ocr"
	"github.com/adverant/nexus/regionocr-worker/internal/queue"
	"github.com/adverant/nexus/regionocr-worker/internal/storage"
)

func main() {
	logger := logging.NewLogger("worker")
	if err := run(logger); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	if err := godotenv.Load(); err != nil {
		logger.Warn(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.SetLevel(cfg.LogLevel)

	logger.Info("Region OCR worker starting",
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"dpi", cfg.RenderDPI,
		"detectionModel", cfg.DetectionModelURL != "",
		"correction", cfg.CorrectionServiceURL != "")

	db, err := storage.NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(context.Background()); err != nil {
		return err
	}
	logger.Info("PostgreSQL connected")

	publisher, err := queue.NewEventPublisher(cfg.RedisURL, cfg.QueueName)
	if err != nil {
		return err
	}
	defer publisher.Close()

	enqueuer, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName, cfg.ProcessingTimeoutDuration())
	if err != nil {
		return err
	}
	defer enqueuer.Close()

	sessionCfg, err := sessionConfig(cfg, logger)
	if err != nil {
		return err
	}
	handler, err := queue.NewHandler(queue.HandlerConfig{
		Store:             db,
		Publisher:         publisher,
		Session:           sessionCfg,
		Options:           cfg.SessionOptions(),
		PDF:               cfg.PDF(),
		ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
	})
	if err != nil {
		return err
	}

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:    cfg.RedisURL,
		QueueName:   cfg.QueueName,
		Concurrency: cfg.WorkerConcurrency,
		Handler:     handler,
	})
	if err != nil {
		return err
	}
	if err := consumer.Start(context.Background()); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.APIPort),
		Handler: api.NewServer(db, enqueuer, logging.NewLogger("api").Slog(), api.Config{
			APIKey:       cfg.APIKey,
			DocumentRoot: cfg.DocumentRoot,
			DefaultDPI:   cfg.RenderDPI,
			Jobs:         publisher,
			Consumer:     consumer,
			Pool:         db,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Region OCR worker is ready, waiting for jobs")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("API server failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Error stopping API server", "error", err)
	}
	if err := consumer.Stop(ctx); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// sessionConfig wires the OCR engine and the optional remote services.
func sessionConfig(cfg *config.Config, logger *logging.Logger) (extraction.Config, error) {
	extractor, err := ocr.NewExtractor(ocr.NewTesseractEngine(cfg.Tesseract()), cfg.OCR(), logging.NewLogger("ocr"))
	if err != nil {
		return extraction.Config{}, err
	}
	aggregator, err := confidence.NewAggregator(cfg.Confidence())
	if err != nil {
		return extraction.Config{}, err
	}

	sc := extraction.Config{
		Detector:   cfg.Detector(),
		Extractor:  extractor,
		Aggregator: aggregator,
		Logger:     logging.NewLogger("extraction"),
	}
	if cfg.DetectionModelURL != "" {
		sc.Model = clients.NewDetectionModelClient(cfg.DetectionModelURL, cfg.DetectionModelName)
	}
	if cfg.CorrectionServiceURL != "" {
		cc := clients.NewCorrectionClient(cfg.CorrectionServiceURL, cfg.CorrectionTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cc.HealthCheck(ctx); err != nil {
			logger.Warn("Correction service not reachable at startup", "error", err)
		}
		sc.Corrector = cc
	}
	return sc, nil
}
