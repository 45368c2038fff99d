package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ilyas-assylbekov/sergek/internal/command"
	"github.com/ilyas-assylbekov/sergek/internal/models"
)

// Normalizer converts a finished container into a broadly playable file
type Normalizer interface {
	Normalize(ctx context.Context, src, dst string) error
}

// FFmpegNormalizer re-encodes with ffmpeg to H.264/AAC with faststart
type FFmpegNormalizer struct {
	Runner command.Runner
	FFmpeg string
	Codec  string
}

// Normalize implements Normalizer
func (n FFmpegNormalizer) Normalize(ctx context.Context, src, dst string) error {
	codec := n.Codec
	if codec == "" {
		codec = "libx264"
	}
	_, err := n.Runner.Run(ctx, n.FFmpeg,
		"-nostdin",
		"-y",
		"-v", "error",
		"-i", src,
		"-c:v", codec,
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-movflags", "+faststart",
		dst,
	)
	return err
}

// Encoder writes annotated frames, in order, to a video container
type Encoder struct {
	sink       io.WriteCloser
	wait       func() error
	kill       func()
	normalizer Normalizer

	tmpPath string
	path    string
	width   int
	height  int
	frames  int
	done    bool
}

// TempPath is where the container is written before normalization
func TempPath(path string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, "."+name+".part.mp4")
}

func normalizedPath(path string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, "."+name+".norm.mp4")
}

// Open starts an ffmpeg process reading raw rgba frames from stdin
func Open(ctx context.Context, runner command.Runner, ffmpeg, path string, width, height int, fps float64, norm Normalizer) (*Encoder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %v: %w", err, models.ErrIO)
	}
	tmp := TempPath(path)
	proc, err := runner.Start(ctx, ffmpeg,
		"-nostdin",
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "mpeg4",
		"-q:v", "3",
		tmp,
	)
	if err != nil {
		return nil, fmt.Errorf("start encoder: %v: %w", err, models.ErrIO)
	}
	e := New(proc.Stdin, proc.Wait, tmp, path, width, height, norm)
	e.kill = proc.Kill
	return e, nil
}

// New wraps an arbitrary sink. wait is called after the sink is closed and
// must report whether the container was finalized.
func New(sink io.WriteCloser, wait func() error, tmpPath, path string, width, height int, norm Normalizer) *Encoder {
	return &Encoder{
		sink:       sink,
		wait:       wait,
		normalizer: norm,
		tmpPath:    tmpPath,
		path:       path,
		width:      width,
		height:     height,
	}
}

// Frames returns the number of frames written
func (e *Encoder) Frames() int { return e.frames }

// Path returns the final output path
func (e *Encoder) Path() string { return e.path }

// Write appends one frame
func (e *Encoder) Write(img *image.RGBA) error {
	if e.done {
		return errors.New("encoder closed")
	}
	b := img.Bounds()
	if b.Dx() != e.width || b.Dy() != e.height {
		return fmt.Errorf("frame size %dx%d does not match %dx%d: %w", b.Dx(), b.Dy(), e.width, e.height, models.ErrEncoding)
	}

	rowLen := e.width * 4
	if img.Stride == rowLen && len(img.Pix) == rowLen*e.height {
		if _, err := e.sink.Write(img.Pix); err != nil {
			return fmt.Errorf("write frame %d: %v: %w", e.frames+1, err, models.ErrIO)
		}
	} else {
		for y := 0; y < e.height; y++ {
			off := img.PixOffset(b.Min.X, b.Min.Y+y)
			if _, err := e.sink.Write(img.Pix[off : off+rowLen]); err != nil {
				return fmt.Errorf("write frame %d: %v: %w", e.frames+1, err, models.ErrIO)
			}
		}
	}
	e.frames++
	return nil
}

// Close finalizes the container and normalizes it into the output path. Any
// failure removes the partial files and is reported as ErrEncoding.
func (e *Encoder) Close(ctx context.Context) error {
	if e.done {
		return errors.New("encoder closed")
	}
	e.done = true
	defer os.Remove(e.tmpPath)

	closeErr := e.sink.Close()
	var waitErr error
	if e.wait != nil {
		waitErr = e.wait()
	}
	if err := errors.Join(closeErr, waitErr); err != nil {
		return fmt.Errorf("finalize container: %v: %w", err, models.ErrEncoding)
	}

	norm := normalizedPath(e.path)
	defer os.Remove(norm)
	if err := e.normalizer.Normalize(ctx, e.tmpPath, norm); err != nil {
		return fmt.Errorf("normalize output: %v: %w", err, models.ErrEncoding)
	}
	if _, err := os.Stat(norm); err != nil {
		return fmt.Errorf("normalized output missing: %v: %w", err, models.ErrEncoding)
	}
	// the output path only ever holds a complete file
	if err := os.Rename(norm, e.path); err != nil {
		return fmt.Errorf("publish output: %v: %w", err, models.ErrEncoding)
	}
	return nil
}

// Abort stops the encoder and removes any partial output
func (e *Encoder) Abort() {
	if e.done {
		return
	}
	e.done = true
	if e.kill != nil {
		e.kill()
	} else {
		_ = e.sink.Close()
	}
	os.Remove(e.tmpPath)
	os.Remove(normalizedPath(e.path))
}
