package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"log/slog"

	"github.com/lmittmann/tint"

	"github.com/ilyas-assylbekov/sergek/internal/analyzer"
	"github.com/ilyas-assylbekov/sergek/internal/command"
	"github.com/ilyas-assylbekov/sergek/internal/config"
	"github.com/ilyas-assylbekov/sergek/internal/describe"
	"github.com/ilyas-assylbekov/sergek/internal/detector"
	"github.com/ilyas-assylbekov/sergek/internal/encoder"
	"github.com/ilyas-assylbekov/sergek/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	videoPath := flag.String("video", "", "video file to analyze")
	outputDir := flag.String("output", "output", "directory for the annotated video, ledger and evidence")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Ensure video path is provided
	if *videoPath == "" {
		fmt.Println("Usage: visionanalyzer -video path/to/video.mp4 [-output output_directory] [-config sergek.yaml]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure logger
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: cfg.Log.TimeFormat,
		}),
	)

	runner := command.Exec{Logger: logger}

	describer, err := describe.New(ctx, cfg.Describe, logger)
	if err != nil {
		log.Fatalf("Failed to initialize describer: %v", err)
	}

	processor := analyzer.NewProcessor(analyzer.Config{
		Media: analyzer.FFmpegMedia{
			Runner:     runner,
			FFmpeg:     cfg.FFmpeg.FFmpeg,
			FFprobe:    cfg.FFmpeg.FFprobe,
			Normalizer: encoder.FFmpegNormalizer{Runner: runner, FFmpeg: cfg.FFmpeg.FFmpeg, Codec: cfg.FFmpeg.Codec},
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
		Options: analyzer.Options{
			Stride:      cfg.Pipeline.Stride,
			TopK:        cfg.Pipeline.TopK,
			JPEGQuality: cfg.Pipeline.JPEGQuality,
		},
		Logger: logger,
	})

	name := filepath.Base(*videoPath)
	fmt.Printf("Starting video analysis...\n")
	req := analyzer.Request{
		SourcePath:      *videoPath,
		Filename:        name,
		OutputPath:      filepath.Join(*outputDir, storage.ProcessedName(name)),
		PredictionsPath: filepath.Join(*outputDir, storage.PredictionsName(name)),
		EvidenceDir:     filepath.Join(*outputDir, storage.EvidenceDirName(name)),
	}
	res, err := processor.ProcessVideo(ctx, req)
	if err != nil {
		log.Printf("Error processing video: %v", err)
		os.Exit(1)
	}
	processor.Enrich(ctx, req, res)

	fmt.Println("Video processing completed successfully!")
	fmt.Printf("  frames:      %d read, %d processed\n", res.FramesRead, res.FramesWritten)
	fmt.Printf("  detections:  %d\n", res.Detections)
	fmt.Printf("  video:       %s\n", res.OutputPath)
	fmt.Printf("  predictions: %s\n", res.PredictionsPath)
	for _, e := range res.Evidence {
		fmt.Printf("  evidence #%d: frame %d at %.2fs, confidence %.2f\n", e.Rank, e.Frame, e.Timestamp, e.Confidence)
		if e.Description != "" {
			fmt.Printf("    %s\n", e.Description)
		}
	}
}
