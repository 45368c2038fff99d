package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/ilyas-assylbekov/sergek/internal/analyzer"
	"github.com/ilyas-assylbekov/sergek/internal/command"
	"github.com/ilyas-assylbekov/sergek/internal/config"
	"github.com/ilyas-assylbekov/sergek/internal/describe"
	"github.com/ilyas-assylbekov/sergek/internal/detector"
	"github.com/ilyas-assylbekov/sergek/internal/embeddings"
	"github.com/ilyas-assylbekov/sergek/internal/encoder"
	"github.com/ilyas-assylbekov/sergek/internal/jobs"
	"github.com/ilyas-assylbekov/sergek/internal/server"
	"github.com/ilyas-assylbekov/sergek/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: cfg.Log.TimeFormat,
		}),
	)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.Paths.Uploads, cfg.Paths.Processed, cfg.Paths.Evidence} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	runner := command.Exec{Logger: logger}

	describer, err := describe.New(ctx, cfg.Describe, logger)
	if err != nil {
		return err
	}

	var (
		index    analyzer.Index
		embedder analyzer.Embedder
		store    jobs.JobStore
		search   server.Searcher
	)
	if cfg.Database.URL != "" {
		db, err := storage.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.EmbeddingDim)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			return err
		}
		index, store = db, db
		logger.Info("Incident index enabled")

		if cfg.Describe.APIKey != "" {
			gen := embeddings.NewOpenAIGenerator(cfg.Describe.APIKey, cfg.Describe.BaseURL, cfg.Describe.EmbeddingModel)
			svc := embeddings.NewService(gen, cfg.Workers.Count, cfg.Workers.QueueSize*4)
			defer svc.Close()
			embedder = svc
			search = &server.VectorSearch{Embedder: svc, Index: db}
			logger.Info("Evidence search enabled", "model", cfg.Describe.EmbeddingModel)
		}
	}

	processor := analyzer.NewProcessor(analyzer.Config{
		Media: analyzer.FFmpegMedia{
			Runner:  runner,
			FFmpeg:  cfg.FFmpeg.FFmpeg,
			FFprobe: cfg.FFmpeg.FFprobe,
			Normalizer: encoder.FFmpegNormalizer{
				Runner: runner,
				FFmpeg: cfg.FFmpeg.FFmpeg,
				Codec:  cfg.FFmpeg.Codec,
			},
		},
		Detectors: detector.NewProcessFactory(runner, detector.ProcessConfig{
			Command:     cfg.Detector.Command,
			Args:        cfg.Detector.Args,
			Timeout:     cfg.DetectorTimeout(),
			JPEGQuality: cfg.Pipeline.JPEGQuality,
			MaxRestarts: cfg.Detector.MaxRestarts,
			Options: detector.Options{
				MinConfidence: cfg.Pipeline.MinConfidence,
				Labels:        cfg.Detector.Labels,
			},
		}, logger),
		Describer: describer,
		Embedder:  embedder,
		Index:     index,
		Options: analyzer.Options{
			Stride:      cfg.Pipeline.Stride,
			TopK:        cfg.Pipeline.TopK,
			JPEGQuality: cfg.Pipeline.JPEGQuality,
		},
		Logger: logger,
	})

	orch := jobs.New(processor, store, jobs.Config{
		Workers:      cfg.Workers.Count,
		QueueSize:    cfg.Workers.QueueSize,
		UploadDir:    cfg.Paths.Uploads,
		ProcessedDir: cfg.Paths.Processed,
		EvidenceDir:  cfg.Paths.Evidence,
	}, logger)

	api := server.New(orch, search, server.Config{
		UploadDir:      cfg.Paths.Uploads,
		ProcessedDir:   cfg.Paths.Processed,
		EvidenceDir:    cfg.Paths.Evidence,
		AllowedOrigin:  cfg.Server.AllowedOrigin,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		ChunkSize:      cfg.Server.ChunkSize,
	}, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Server.Addr, "workers", cfg.Workers.Count)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			orch.Close(context.Background())
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warn("Jobs were cancelled at shutdown", "error", err)
	}
	return nil
}
