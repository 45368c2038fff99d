package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ilyas-assylbekov/sergek/internal/analyzer"
	"github.com/ilyas-assylbekov/sergek/internal/config"
	"github.com/ilyas-assylbekov/sergek/internal/models"
	"github.com/ilyas-assylbekov/sergek/internal/storage"
)

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("orchestrator closed")

// Pipeline runs one video end to end. Enrich runs after the job is
// completed and never changes its status.
type Pipeline interface {
	ProcessVideo(ctx context.Context, req analyzer.Request) (models.RunResult, error)
	Enrich(ctx context.Context, req analyzer.Request, res models.RunResult)
}

// JobStore persists job state changes
type JobStore interface {
	SaveJob(ctx context.Context, job models.Job) error
}

// Config bounds the worker pool and locates the job files
type Config struct {
	Workers      int
	QueueSize    int
	UploadDir    string
	ProcessedDir string
	EvidenceDir  string
}

// SubmitRequest describes an uploaded video
type SubmitRequest struct {
	SourcePath       string
	Filename         string
	OriginalFilename string
}

type task struct {
	filename string
	ctx      context.Context
	cancel   context.CancelFunc
}

type enrichTask struct {
	job models.Job
	req analyzer.Request
	res models.RunResult
}

// Orchestrator schedules pipelines on a fixed pool of workers and tracks
// every job in a Registry
type Orchestrator struct {
	reg      *Registry
	pipeline Pipeline
	store    JobStore
	cfg      Config
	logger   *slog.Logger

	queue   chan task
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc

	enrich     chan enrichTask
	enrichWG   sync.WaitGroup
	enrichOnce sync.Once

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// New starts cfg.Workers workers. store may be nil.
func New(pipeline Pipeline, store JobStore, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultMaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultQueueSize
	}
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		reg:      NewRegistry(),
		pipeline: pipeline,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan task, cfg.QueueSize),
		enrich:   make(chan enrichTask, cfg.QueueSize),
		baseCtx:  ctx,
		stop:     stop,
		cancels:  make(map[string]context.CancelFunc),
	}
	for i := 0; i < cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.enrichWG.Add(1)
	go o.enricher()
	return o
}

// Registry exposes the job table
func (o *Orchestrator) Registry() *Registry { return o.reg }

// Submit registers a job for an uploaded video and queues it. When the source
// does not exist the returned job is already failed and nothing is queued.
// A full queue fails the job and returns ErrQueueFull without blocking.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	job := models.Job{
		ID:               uuid.NewString(),
		Filename:         req.Filename,
		OriginalFilename: req.OriginalFilename,
		ProcessedName:    storage.ProcessedName(req.Filename),
		Status:           models.StatusUploaded,
		SourcePath:       req.SourcePath,
		OutputPath:       filepath.Join(o.cfg.ProcessedDir, storage.ProcessedName(req.Filename)),
		PredictionsPath:  filepath.Join(o.cfg.ProcessedDir, storage.PredictionsName(req.Filename)),
		EvidenceDir:      filepath.Join(o.cfg.EvidenceDir, storage.EvidenceDirName(req.Filename)),
		CreatedAt:        time.Now(),
	}
	if err := o.reg.Add(job); err != nil {
		return models.Job{}, err
	}
	o.persist(job)
	log := o.logger.With("job", job.ID, "video", job.Filename)

	if _, err := os.Stat(req.SourcePath); err != nil {
		msg := fmt.Errorf("source video unavailable: %v: %w", err, models.ErrIO).Error()
		log.Error("Job failed", "error", msg)
		return o.fail(job.Filename, msg), nil
	}

	jctx, cancel := context.WithCancel(o.baseCtx)
	t := task{filename: job.Filename, ctx: jctx, cancel: cancel}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		o.fail(job.Filename, ErrClosed.Error())
		return models.Job{}, ErrClosed
	}
	o.cancels[job.Filename] = cancel
	select {
	case o.queue <- t:
		o.mu.Unlock()
	default:
		delete(o.cancels, job.Filename)
		o.mu.Unlock()
		cancel()
		log.Warn("Job queue is full")
		o.fail(job.Filename, models.ErrQueueFull.Error())
		return models.Job{}, models.ErrQueueFull
	}

	log.Info("Job queued")
	return job, nil
}

// Status returns the job registered under filename. Videos uploaded before a
// restart are reported from the files on disk.
func (o *Orchestrator) Status(filename string) (models.Job, error) {
	if job, ok := o.reg.Get(filename); ok {
		return job, nil
	}
	return o.statusFromDisk(filename)
}

func (o *Orchestrator) statusFromDisk(filename string) (models.Job, error) {
	if filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return models.Job{}, fmt.Errorf("job '%s': %w", filename, models.ErrNotFound)
	}
	job := models.Job{
		Filename:        filename,
		ProcessedName:   storage.ProcessedName(filename),
		SourcePath:      filepath.Join(o.cfg.UploadDir, filename),
		OutputPath:      filepath.Join(o.cfg.ProcessedDir, storage.ProcessedName(filename)),
		PredictionsPath: filepath.Join(o.cfg.ProcessedDir, storage.PredictionsName(filename)),
		EvidenceDir:     filepath.Join(o.cfg.EvidenceDir, storage.EvidenceDirName(filename)),
	}
	if exists(job.OutputPath) && exists(job.PredictionsPath) {
		job.Status = models.StatusCompleted
		return job, nil
	}
	// Nothing resumes an upload whose run was lost to a restart
	if exists(job.SourcePath) {
		job.Status = models.StatusFailed
		job.Error = "interrupted"
		return job, nil
	}
	return models.Job{}, fmt.Errorf("job '%s': %w", filename, models.ErrNotFound)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Cancel stops a queued or running job
func (o *Orchestrator) Cancel(filename string) error {
	job, ok := o.reg.Get(filename)
	if !ok {
		return fmt.Errorf("job '%s': %w", filename, models.ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job '%s' is %s: %w", filename, job.Status, ErrInvalidTransition)
	}
	o.mu.Lock()
	cancel, ok := o.cancels[filename]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("job '%s' is not running: %w", filename, ErrInvalidTransition)
	}
	cancel()
	o.logger.Info("Job cancellation requested", "job", job.ID, "video", filename)
	return nil
}

// Close stops accepting jobs and waits for queued and running jobs, then for
// pending enrichment. If ctx ends first, running jobs and enrichment are
// cancelled before waiting for the workers.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.enrichOnce.Do(func() { close(o.enrich) })
		o.enrichWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.stop()
		return nil
	case <-ctx.Done():
		o.stop()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for t := range o.queue {
		o.run(t)
	}
}

func (o *Orchestrator) enricher() {
	defer o.enrichWG.Done()
	for e := range o.enrich {
		o.runEnrich(e)
	}
}

// runEnrich describes and indexes a completed job; a panic is only logged
func (o *Orchestrator) runEnrich(e enrichTask) {
	log := o.logger.With("job", e.job.ID, "video", e.job.Filename)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Enrichment panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if o.baseCtx.Err() != nil {
		log.Warn("Enrichment skipped, shutting down")
		return
	}
	start := time.Now()
	o.pipeline.Enrich(o.baseCtx, e.req, e.res)
	log.Info("Job enriched", "evidence", len(e.res.Evidence), "duration", time.Since(start).Round(time.Millisecond))
}

func (o *Orchestrator) run(t task) {
	defer func() {
		o.mu.Lock()
		delete(o.cancels, t.filename)
		o.mu.Unlock()
		t.cancel()
	}()

	if t.ctx.Err() != nil {
		o.fail(t.filename, "cancelled")
		return
	}

	job, err := o.reg.Transition(t.filename, models.StatusProcessing, "")
	if err != nil {
		o.logger.Error("Failed to start job", "video", t.filename, "error", err)
		return
	}
	o.persist(job)
	log := o.logger.With("job", job.ID, "video", job.Filename)
	log.Info("Job started")

	req := request(job, func(frames, detections int) {
		o.reg.Update(job.Filename, func(j *models.Job) {
			j.FramesProcessed = frames
			j.Detections = detections
		})
	})
	res, err := o.process(t.ctx, job, req)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, models.ErrCancelled) {
			msg = "cancelled"
		}
		log.Error("Job failed", "error", err)
		o.fail(job.Filename, msg)
		return
	}

	o.reg.Update(job.Filename, func(j *models.Job) {
		j.FramesProcessed = res.FramesWritten
		j.Detections = res.Detections
	})
	job, err = o.reg.Transition(job.Filename, models.StatusCompleted, "")
	if err != nil {
		log.Error("Failed to complete job", "error", err)
		return
	}
	o.persist(job)
	log.Info("Job completed",
		"frames", res.FramesWritten,
		"detections", res.Detections,
		"duration", job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond))

	if len(res.Evidence) == 0 && len(res.Records) == 0 {
		return
	}
	select {
	case o.enrich <- enrichTask{job: job, req: request(job, nil), res: res}:
	default:
		log.Warn("Enrichment queue is full, skipping description and indexing")
	}
}

func request(job models.Job, progress func(frames, detections int)) analyzer.Request {
	return analyzer.Request{
		SourcePath:      job.SourcePath,
		Filename:        job.Filename,
		OutputPath:      job.OutputPath,
		PredictionsPath: job.PredictionsPath,
		EvidenceDir:     job.EvidenceDir,
		Progress:        progress,
	}
}

// process runs the pipeline; a panic fails only this job
func (o *Orchestrator) process(ctx context.Context, job models.Job, req analyzer.Request) (res models.RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Pipeline panic", "video", job.Filename, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return o.pipeline.ProcessVideo(ctx, req)
}

func (o *Orchestrator) fail(filename, msg string) models.Job {
	job, err := o.reg.Transition(filename, models.StatusFailed, msg)
	if err != nil {
		o.logger.Error("Failed to mark job failed", "video", filename, "error", err)
		return job
	}
	o.persist(job)
	return job
}

func (o *Orchestrator) persist(job models.Job) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveJob(ctx, job); err != nil {
		o.logger.Warn("Failed to persist job", "video", job.Filename, "status", job.Status, "error", err)
	}
}
