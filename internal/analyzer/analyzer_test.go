package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ilyas-assylbekov/sergek/internal/detector"
	"github.com/ilyas-assylbekov/sergek/internal/encoder"
	"github.com/ilyas-assylbekov/sergek/internal/evidence"
	"github.com/ilyas-assylbekov/sergek/internal/extractor"
	"github.com/ilyas-assylbekov/sergek/internal/models"
	"github.com/ilyas-assylbekov/sergek/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const frameW, frameH = 32, 24

// fakeMedia decodes synthetic frames whose pixels all hold the frame index
// and encodes into a plain file.
type fakeMedia struct {
	frames   int
	probeErr error
	normErr  error
}

func (m *fakeMedia) Probe(ctx context.Context, path string) (models.SourceVideo, error) {
	if m.probeErr != nil {
		return models.SourceVideo{}, m.probeErr
	}
	return models.SourceVideo{Path: path, FPS: 30, Width: frameW, Height: frameH, TotalFrames: m.frames}, nil
}

func (m *fakeMedia) OpenSource(ctx context.Context, video models.SourceVideo, stride int) (FrameSource, error) {
	var buf bytes.Buffer
	for i := 1; i <= m.frames; i++ {
		buf.Write(bytes.Repeat([]byte{byte(i)}, frameW*frameH*4))
	}
	return extractor.NewSampler(&buf, video, stride)
}

func (m *fakeMedia) OpenSink(ctx context.Context, path string, video models.SourceVideo) (FrameSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	tmp := encoder.TempPath(path)
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	return encoder.New(f, nil, tmp, path, video.Width, video.Height, copyNormalizer{err: m.normErr}), nil
}

type copyNormalizer struct {
	err error
}

func (c copyNormalizer) Normalize(ctx context.Context, src, dst string) error {
	if c.err != nil {
		return c.err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// fakeDetector reports one detection per frame with confidence rising with
// the frame index
type fakeDetector struct {
	failOn map[int]bool
	cancel context.CancelFunc
	closed bool
}

func (d *fakeDetector) Detect(ctx context.Context, img *image.RGBA) ([]models.Detection, error) {
	idx := int(img.Pix[0])
	if d.cancel != nil && idx >= 6 {
		d.cancel()
		return nil, ctx.Err()
	}
	if d.failOn[idx] {
		return nil, fmt.Errorf("worker crashed on frame %d: %w", idx, models.ErrInference)
	}
	return []models.Detection{{
		Box:        models.BBox{X1: 2, Y1: 2, X2: 12, Y2: 10},
		ClassName:  "accident",
		Confidence: 0.5 + float64(idx)/100,
	}}, nil
}

func (d *fakeDetector) Close() error {
	d.closed = true
	return nil
}

type paths struct {
	dir         string
	output      string
	predictions string
	evidence    string
}

func newPaths(t *testing.T) paths {
	dir := t.TempDir()
	return paths{
		dir:         dir,
		output:      filepath.Join(dir, "processed", "processed_crash.mp4"),
		predictions: filepath.Join(dir, "processed", "processed_crash_predictions.csv"),
		evidence:    filepath.Join(dir, "evidence", "processed_crash"),
	}
}

func (p paths) request() Request {
	return Request{
		SourcePath:      filepath.Join(p.dir, "crash.mp4"),
		Filename:        "crash.mp4",
		OutputPath:      p.output,
		PredictionsPath: p.predictions,
		EvidenceDir:     p.evidence,
	}
}

func (p paths) assertNoOutputs(t *testing.T) {
	t.Helper()
	for _, path := range []string{p.output, p.predictions, p.evidence, encoder.TempPath(p.output)} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s exists after a failed run", filepath.Base(path))
		}
	}
}

func newProcessor(media Media, det *fakeDetector, topK int) *Processor {
	return NewProcessor(Config{
		Media:     media,
		Detectors: func(ctx context.Context) (detector.Detector, error) { return det, nil },
		Options:   Options{Stride: 3, TopK: topK, JPEGQuality: 90},
		Logger:    discard,
	})
}

func TestProcessVideoStride(t *testing.T) {
	p := newPaths(t)
	det := &fakeDetector{}
	proc := newProcessor(&fakeMedia{frames: 10}, det, 2)

	var progress []int
	req := p.request()
	req.Progress = func(frames, detections int) { progress = append(progress, frames) }

	res, err := proc.ProcessVideo(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.FramesRead != 10 || res.FramesSampled != 3 || res.FramesWritten != 3 || res.Detections != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(progress) != 3 || progress[2] != 3 {
		t.Fatalf("progress = %v", progress)
	}
	if !det.closed {
		t.Fatal("detector not closed at the end of the run")
	}

	info, err := os.Stat(p.output)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 3*frameW*frameH*4 {
		t.Fatalf("output holds %d bytes", info.Size())
	}

	records, fps, err := storage.ReadLedger(p.predictions)
	if err != nil {
		t.Fatal(err)
	}
	if fps != 30 || len(records) != 3 {
		t.Fatalf("ledger fps=%v rows=%d", fps, len(records))
	}
	for i, want := range []int{3, 6, 9} {
		if records[i].Frame != want || records[i].Filename != "crash.mp4" {
			t.Errorf("row %d = %+v", i, records[i])
		}
	}

	m, err := evidence.ReadManifest(p.evidence)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Evidence) != 2 || m.Evidence[0].Frame != 9 || m.Evidence[1].Frame != 6 {
		t.Fatalf("evidence = %+v", m.Evidence)
	}
	for _, e := range m.Evidence {
		if _, err := os.Stat(filepath.Join(p.evidence, e.File)); err != nil {
			t.Errorf("evidence image %s: %v", e.File, err)
		}
	}
}

func TestProcessVideoInferenceFailureIsNotFatal(t *testing.T) {
	p := newPaths(t)
	proc := newProcessor(&fakeMedia{frames: 10}, &fakeDetector{failOn: map[int]bool{6: true}}, 5)

	res, err := proc.ProcessVideo(context.Background(), p.request())
	if err != nil {
		t.Fatal(err)
	}
	if res.FramesWritten != 3 || res.Detections != 2 || res.InferenceErrors != 1 {
		t.Fatalf("result = %+v", res)
	}
	records, _, err := storage.ReadLedger(p.predictions)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].Frame != 3 || records[1].Frame != 9 {
		t.Fatalf("ledger = %+v", records)
	}
}

func TestProcessVideoEncodingFailureLeavesNothing(t *testing.T) {
	p := newPaths(t)
	proc := newProcessor(&fakeMedia{frames: 10, normErr: errors.New("exit status 1")}, &fakeDetector{}, 5)

	_, err := proc.ProcessVideo(context.Background(), p.request())
	if !errors.Is(err, models.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
	p.assertNoOutputs(t)
}

func TestProcessVideoTruncatedSource(t *testing.T) {
	p := newPaths(t)
	media := &truncatedMedia{fakeMedia{frames: 4}}
	proc := newProcessor(media, &fakeDetector{}, 5)

	_, err := proc.ProcessVideo(context.Background(), p.request())
	if !errors.Is(err, models.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	p.assertNoOutputs(t)
}

// truncatedMedia cuts the last frame short
type truncatedMedia struct {
	fakeMedia
}

func (m *truncatedMedia) OpenSource(ctx context.Context, video models.SourceVideo, stride int) (FrameSource, error) {
	var buf bytes.Buffer
	for i := 1; i <= m.frames; i++ {
		buf.Write(bytes.Repeat([]byte{byte(i)}, frameW*frameH*4))
	}
	buf.Truncate(buf.Len() - 10)
	return extractor.NewSampler(&buf, video, 1)
}

func TestProcessVideoCancelled(t *testing.T) {
	p := newPaths(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	det := &fakeDetector{cancel: cancel}
	proc := newProcessor(&fakeMedia{frames: 10}, det, 5)

	_, err := proc.ProcessVideo(ctx, p.request())
	if !errors.Is(err, models.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !det.closed {
		t.Fatal("detector not closed after cancellation")
	}
	p.assertNoOutputs(t)
}

func TestProcessVideoProbeFailure(t *testing.T) {
	p := newPaths(t)
	proc := newProcessor(&fakeMedia{probeErr: fmt.Errorf("no such file: %w", models.ErrIO)}, &fakeDetector{}, 5)
	if _, err := proc.ProcessVideo(context.Background(), p.request()); !errors.Is(err, models.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	p.assertNoOutputs(t)
}

func TestProcessVideoDetectorInitFailure(t *testing.T) {
	p := newPaths(t)
	proc := NewProcessor(Config{
		Media:     &fakeMedia{frames: 3},
		Detectors: func(ctx context.Context) (detector.Detector, error) { return nil, errors.New("model weights missing") },
		Options:   Options{Stride: 1, TopK: 5},
		Logger:    discard,
	})
	if _, err := proc.ProcessVideo(context.Background(), p.request()); !errors.Is(err, models.ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	p.assertNoOutputs(t)
}

type fakeDescriber struct{}

func (fakeDescriber) Describe(ctx context.Context, imagePath string) (string, error) {
	return "There is an accident. " + filepath.Base(imagePath), nil
}

type fakeIndex struct {
	mu         sync.Mutex
	records    []models.DetectionRecord
	entries    []models.EvidenceEntry
	embeddings [][]float32
}

func (f *fakeIndex) SaveDetections(ctx context.Context, filename string, records []models.DetectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	return nil
}

func (f *fakeIndex) SaveEvidence(ctx context.Context, filename string, entries []models.EvidenceEntry, embeddings [][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries, f.embeddings = entries, embeddings
	return errors.New("index unavailable")
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, content string) ([]float32, error) {
	return []float32{float32(len(content))}, nil
}

func TestEnrichDescribesAndIndexes(t *testing.T) {
	p := newPaths(t)
	index := &fakeIndex{}
	proc := NewProcessor(Config{
		Media:     &fakeMedia{frames: 6},
		Detectors: func(ctx context.Context) (detector.Detector, error) { return &fakeDetector{}, nil },
		Describer: fakeDescriber{},
		Embedder:  fakeEmbedder{},
		Index:     index,
		Options:   Options{Stride: 3, TopK: 5},
		Logger:    discard,
	})

	res, err := proc.ProcessVideo(context.Background(), p.request())
	if err != nil {
		t.Fatal(err)
	}
	// the run itself never describes or indexes
	if index.records != nil || index.entries != nil {
		t.Fatal("ProcessVideo must not index")
	}
	for _, e := range res.Evidence {
		if e.Description != "" {
			t.Fatalf("ProcessVideo described rank %d", e.Rank)
		}
	}
	if len(res.Records) != 2 {
		t.Fatalf("result records = %d", len(res.Records))
	}

	// index failures are logged only
	proc.Enrich(context.Background(), p.request(), res)
	if len(index.records) != 2 || len(index.entries) != 2 || len(index.embeddings) != 2 {
		t.Fatalf("indexed %d records, %d entries, %d embeddings", len(index.records), len(index.entries), len(index.embeddings))
	}
	if index.embeddings[0] == nil {
		t.Fatal("described evidence must be embedded")
	}

	m, err := evidence.ReadManifest(p.evidence)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range m.Evidence {
		if e.Description != "There is an accident. "+e.File {
			t.Errorf("description = %q", e.Description)
		}
	}
}
