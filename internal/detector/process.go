package detector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ilyas-assylbekov/sergek/internal/command"
	"github.com/ilyas-assylbekov/sergek/internal/models"
)

const (
	maxResponseBytes = 16 << 20
	stopTimeout      = 2 * time.Second
)

type request struct {
	Seq       int    `json:"seq"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FrameData string `json:"frame_data"`
}

type response struct {
	Seq        int            `json:"seq"`
	Detections []RawDetection `json:"detections"`
	Error      string         `json:"error,omitempty"`
}

// ProcessConfig describes a detection worker process
type ProcessConfig struct {
	Command     string
	Args        []string
	Timeout     time.Duration // per frame
	JPEGQuality int
	Options     Options
	// MaxRestarts bounds consecutive worker restarts; a successful frame
	// resets the count. Negative disables restarts.
	MaxRestarts int
}

// DefaultMaxRestarts is used when ProcessConfig.MaxRestarts is zero
const DefaultMaxRestarts = 3

// ProcessDetector talks to a model worker over stdin/stdout using one JSON
// document per line. Frames are sent as base64 JPEG. A worker that times out
// or breaks the stream is killed and started again on the next frame.
type ProcessDetector struct {
	runner command.Runner
	ctx    context.Context
	cfg    ProcessConfig
	logger *slog.Logger

	mu       sync.Mutex
	proc     *command.Process
	out      *bufio.Scanner
	seq      int
	failures int // consecutive, reset by a good response
	restarts int
	broken   error
}

// NewProcessFactory returns a Factory that starts one worker process per run.
// ctx bounds the worker and every restart of it.
func NewProcessFactory(runner command.Runner, cfg ProcessConfig, logger *slog.Logger) Factory {
	return func(ctx context.Context) (Detector, error) {
		d := newProcessDetector(ctx, runner, cfg, logger)
		if err := d.start(); err != nil {
			return nil, err
		}
		return d, nil
	}
}

func newProcessDetector(ctx context.Context, runner command.Runner, cfg ProcessConfig, logger *slog.Logger) *ProcessDetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ProcessDetector{
		runner: runner,
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
	}
}

func (d *ProcessDetector) start() error {
	proc, err := d.runner.Start(d.ctx, d.cfg.Command, d.cfg.Args...)
	if err != nil {
		return fmt.Errorf("start detector worker: %w", err)
	}
	sc := bufio.NewScanner(proc.Stdout)
	sc.Buffer(make([]byte, 64*1024), maxResponseBytes)
	d.proc, d.out = proc, sc
	return nil
}

// Restarts reports how many times the worker was started again
func (d *ProcessDetector) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

// Detect implements Detector
func (d *ProcessDetector) Detect(ctx context.Context, img *image.RGBA) ([]models.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.proc == nil {
		if d.failures > d.cfg.MaxRestarts {
			return nil, fmt.Errorf("detector worker unavailable after %d restarts: %v: %w", d.cfg.MaxRestarts, d.broken, models.ErrInference)
		}
		if err := d.start(); err != nil {
			d.failures++
			d.broken = err
			return nil, fmt.Errorf("restart detector worker: %v: %w", err, models.ErrInference)
		}
		d.restarts++
		d.logger.Info("Detector worker restarted", "restarts", d.restarts)
	}

	var frame bytes.Buffer
	if err := jpeg.Encode(&frame, img, &jpeg.Options{Quality: d.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %v: %w", err, models.ErrInference)
	}
	d.seq++
	req := request{
		Seq:       d.seq,
		Width:     img.Bounds().Dx(),
		Height:    img.Bounds().Dy(),
		FrameData: base64.StdEncoding.EncodeToString(frame.Bytes()),
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	stdin, out := d.proc.Stdin, d.out
	go func() {
		resp, err := roundTrip(stdin, out, req)
		done <- result{resp, err}
	}()

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-done:
	case <-timer.C:
		d.fail(fmt.Errorf("no response within %s", d.cfg.Timeout))
		return nil, fmt.Errorf("frame seq %d: timeout: %w", req.Seq, models.ErrInference)
	case <-ctx.Done():
		d.fail(ctx.Err())
		return nil, fmt.Errorf("frame seq %d: %v: %w", req.Seq, ctx.Err(), models.ErrInference)
	}

	if res.err != nil {
		d.fail(res.err)
		return nil, fmt.Errorf("frame seq %d: %v: %w", req.Seq, res.err, models.ErrInference)
	}
	if res.resp.Seq != req.Seq {
		d.fail(fmt.Errorf("response seq %d for request %d", res.resp.Seq, req.Seq))
		return nil, fmt.Errorf("frame seq %d: out of sync: %w", req.Seq, models.ErrInference)
	}
	d.failures = 0
	if res.resp.Error != "" {
		return nil, fmt.Errorf("frame seq %d: worker: %s: %w", req.Seq, res.resp.Error, models.ErrInference)
	}
	return Parse(res.resp.Detections, req.Width, req.Height, d.cfg.Options)
}

func roundTrip(stdin io.Writer, out *bufio.Scanner, req request) (response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return response{}, err
	}
	line = append(line, '\n')
	if _, err := stdin.Write(line); err != nil {
		return response{}, fmt.Errorf("write request: %w", err)
	}
	if !out.Scan() {
		if err := out.Err(); err != nil {
			return response{}, fmt.Errorf("read response: %w", err)
		}
		return response{}, errors.New("worker closed its output")
	}
	var resp response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// fail stops the current worker so a pending read returns. The next Detect
// starts a new one.
func (d *ProcessDetector) fail(err error) {
	d.broken = err
	d.failures++
	d.logger.Warn("Detector worker failed", "error", err, "consecutive_failures", d.failures)
	go d.proc.Kill()
	d.proc, d.out = nil, nil
}

// Close asks the worker to exit by closing its stdin, and kills it if it does
// not exit within two seconds.
func (d *ProcessDetector) Close() error {
	d.mu.Lock()
	proc := d.proc
	d.proc, d.out = nil, nil
	d.failures = d.cfg.MaxRestarts + 1
	d.broken = errors.New("detector closed")
	d.mu.Unlock()
	if proc == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("detector worker exit: %w", err)
		}
		return nil
	case <-time.After(stopTimeout):
		proc.Kill()
		return errors.New("detector worker did not stop in time, killed")
	}
}
