package analyzer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"

	"github.com/ilyas-assylbekov/sergek/internal/annotator"
	"github.com/ilyas-assylbekov/sergek/internal/describe"
	"github.com/ilyas-assylbekov/sergek/internal/detector"
	"github.com/ilyas-assylbekov/sergek/internal/evidence"
	"github.com/ilyas-assylbekov/sergek/internal/models"
	"github.com/ilyas-assylbekov/sergek/internal/storage"
)

// FrameSource yields sampled frames in increasing index order
type FrameSource interface {
	Next() (models.Frame, error)
	FramesRead() int
	FramesSampled() int
	Close() error
}

// FrameSink encodes the output video
type FrameSink interface {
	Write(img *image.RGBA) error
	Close(ctx context.Context) error
	Abort()
	Frames() int
}

// Media opens the decoder and encoder of one run
type Media interface {
	Probe(ctx context.Context, path string) (models.SourceVideo, error)
	OpenSource(ctx context.Context, video models.SourceVideo, stride int) (FrameSource, error)
	OpenSink(ctx context.Context, path string, video models.SourceVideo) (FrameSink, error)
}

// Embedder turns an evidence description into a vector
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// Index receives the results of finished runs
type Index interface {
	SaveDetections(ctx context.Context, filename string, records []models.DetectionRecord) error
	SaveEvidence(ctx context.Context, filename string, entries []models.EvidenceEntry, embeddings [][]float32) error
}

// Options are the per-run pipeline settings
type Options struct {
	Stride      int
	TopK        int
	JPEGQuality int
}

// Config wires a Processor. Describer, Embedder and Index are optional.
type Config struct {
	Media     Media
	Detectors detector.Factory
	Describer describe.Describer
	Embedder  Embedder
	Index     Index
	Options   Options
	Logger    *slog.Logger
}

// Processor runs the detection pipeline over one video at a time. A single
// Processor may serve concurrent runs; each run owns its decoder, detector,
// encoder, ledger and selector.
type Processor struct {
	media     Media
	detectors detector.Factory
	describer describe.Describer
	embedder  Embedder
	index     Index
	opts      Options
	logger    *slog.Logger
}

func NewProcessor(cfg Config) *Processor {
	if cfg.Options.Stride < 1 {
		cfg.Options.Stride = 1
	}
	if cfg.Options.JPEGQuality <= 0 {
		cfg.Options.JPEGQuality = 90
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		media:     cfg.Media,
		detectors: cfg.Detectors,
		describer: cfg.Describer,
		embedder:  cfg.Embedder,
		index:     cfg.Index,
		opts:      cfg.Options,
		logger:    cfg.Logger,
	}
}

// Request names the input and the three outputs of a run
type Request struct {
	SourcePath      string
	Filename        string // recorded in the ledger
	OutputPath      string
	PredictionsPath string
	EvidenceDir     string
	// Progress, if set, is called after each frame is written
	Progress func(frames, detections int)
}

// ProcessVideo samples, detects, annotates and encodes a video. Outputs are
// written only when the whole run succeeds; on failure nothing is left behind.
// Description and indexing are left to Enrich.
func (p *Processor) ProcessVideo(ctx context.Context, req Request) (models.RunResult, error) {
	log := p.logger.With("video", req.Filename)
	var res models.RunResult

	video, err := p.media.Probe(ctx, req.SourcePath)
	if err != nil {
		return res, err
	}
	res.FPS = video.FPS
	log.Info("Processing video",
		"width", video.Width,
		"height", video.Height,
		"fps", video.FPS,
		"frames", video.TotalFrames,
		"stride", p.opts.Stride)

	src, err := p.media.OpenSource(ctx, video, p.opts.Stride)
	if err != nil {
		return res, err
	}
	defer src.Close()

	det, err := p.detectors(ctx)
	if err != nil {
		return res, fmt.Errorf("initialize detector: %v: %w", err, models.ErrInference)
	}
	defer func() {
		if err := det.Close(); err != nil {
			log.Debug("Detector shutdown", "error", err)
		}
	}()

	sink, err := p.media.OpenSink(ctx, req.OutputPath, video)
	if err != nil {
		return res, err
	}
	defer sink.Abort()

	ledger := storage.NewLedger(req.Filename, video.FPS)
	selector := evidence.NewSelector(p.opts.TopK)

	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%v: %w", err, models.ErrCancelled)
		}
		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("%v: %w", ctx.Err(), models.ErrCancelled)
			}
			return res, err
		}

		out := frame.Image
		dets, err := det.Detect(ctx, frame.Image)
		switch {
		case err != nil && ctx.Err() != nil:
			return res, fmt.Errorf("%v: %w", ctx.Err(), models.ErrCancelled)
		case err != nil:
			res.InferenceErrors++
			log.Warn("Detection failed, writing frame unannotated", "frame", frame.Index, "error", err)
		case len(dets) > 0:
			out = annotator.Annotate(frame.Image, dets)
			for _, d := range dets {
				if err := ledger.Append(frame.Index, d.Box); err != nil {
					return res, err
				}
				selector.Observe(frame.Index, frame.Timestamp, d.Confidence, frame.Image, d.Box)
			}
		}

		if err := sink.Write(out); err != nil {
			return res, err
		}
		if req.Progress != nil {
			req.Progress(sink.Frames(), ledger.Len())
		}
	}

	res.FramesRead = src.FramesRead()
	res.FramesSampled = src.FramesSampled()
	res.FramesWritten = sink.Frames()
	res.Detections = ledger.Len()

	if err := sink.Close(ctx); err != nil {
		return res, err
	}
	res.OutputPath = req.OutputPath

	if err := ledger.Finalize(req.PredictionsPath); err != nil {
		os.Remove(req.OutputPath)
		return res, err
	}
	res.PredictionsPath = req.PredictionsPath

	entries := selector.Finalize()
	if err := evidence.Write(req.EvidenceDir, req.Filename, entries, p.opts.JPEGQuality); err != nil {
		os.Remove(req.OutputPath)
		os.Remove(req.PredictionsPath)
		os.RemoveAll(req.EvidenceDir)
		return res, err
	}
	res.Evidence = entries

	res.Records = ledger.Records()

	log.Info("Video processed",
		"frames_read", res.FramesRead,
		"frames_written", res.FramesWritten,
		"detections", res.Detections,
		"inference_errors", res.InferenceErrors,
		"evidence", len(entries))
	return res, nil
}

// Enrich runs the optional description and indexing steps over a finished
// run. Failures are logged; the run has already succeeded.
func (p *Processor) Enrich(ctx context.Context, req Request, res models.RunResult) {
	log := p.logger.With("video", req.Filename)
	records, entries := res.Records, res.Evidence
	if p.describer != nil && len(entries) > 0 {
		n := describe.All(ctx, p.describer, req.EvidenceDir, entries, log)
		if n > 0 {
			if err := evidence.WriteManifest(req.EvidenceDir, evidence.Manifest{Source: req.Filename, Evidence: entries}); err != nil {
				log.Warn("Failed to update evidence manifest", "error", err)
			}
		}
		log.Info("Evidence described", "described", n, "total", len(entries))
	}

	if p.index == nil {
		return
	}
	if err := p.index.SaveDetections(ctx, req.Filename, records); err != nil {
		log.Warn("Failed to index detections", "error", err)
	}

	embeddings := make([][]float32, len(entries))
	if p.embedder != nil {
		for i, e := range entries {
			if e.Description == "" {
				continue
			}
			emb, err := p.embedder.Embed(ctx, e.Description)
			if err != nil {
				log.Warn("Failed to embed evidence description", "rank", e.Rank, "error", err)
				continue
			}
			embeddings[i] = emb
		}
	}
	if err := p.index.SaveEvidence(ctx, req.Filename, entries, embeddings); err != nil {
		log.Warn("Failed to index evidence", "error", err)
	}
}
