package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/ilyas-assylbekov/sergek/internal/command"
	"github.com/ilyas-assylbekov/sergek/internal/models"
)

// DefaultFPS is assumed when the container does not report a frame rate
const DefaultFPS = 30

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the dimensions, frame rate and frame count of a video with ffprobe
func Probe(ctx context.Context, runner command.Runner, ffprobe, videoPath string) (models.SourceVideo, error) {
	// Check if video file exists
	if _, err := os.Stat(videoPath); err != nil {
		return models.SourceVideo{}, fmt.Errorf("video file does not exist at path '%s': %w", videoPath, models.ErrIO)
	}

	res, err := runner.Run(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate,nb_frames:format=duration",
		"-print_format", "json",
		videoPath,
	)
	if err != nil {
		return models.SourceVideo{}, fmt.Errorf("probe %s: %v: %w", videoPath, err, models.ErrIO)
	}
	return parseProbe(videoPath, res.Stdout)
}

func parseProbe(videoPath string, data []byte) (models.SourceVideo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return models.SourceVideo{}, fmt.Errorf("decode probe output: %v: %w", err, models.ErrIO)
	}
	if len(out.Streams) == 0 {
		return models.SourceVideo{}, fmt.Errorf("no video stream in '%s': %w", videoPath, models.ErrIO)
	}
	s := out.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return models.SourceVideo{}, fmt.Errorf("invalid dimensions %dx%d in '%s': %w", s.Width, s.Height, videoPath, models.ErrIO)
	}

	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}
	if fps <= 0 {
		fps = DefaultFPS
	}

	total, _ := strconv.Atoi(s.NbFrames)
	if total <= 0 {
		if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil && d > 0 {
			total = int(math.Round(d * fps))
		}
	}

	return models.SourceVideo{
		Path:        videoPath,
		FPS:         fps,
		Width:       s.Width,
		Height:      s.Height,
		TotalFrames: total,
	}, nil
}

// parseRate parses ffprobe rationals such as "30000/1001"
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// Sampled lists the frame indices a sampler with the given stride forwards
// for a source of total frames.
func Sampled(stride, total int) []int {
	if stride < 1 {
		stride = 1
	}
	var out []int
	for i := stride; i <= total; i += stride {
		out = append(out, i)
	}
	return out
}

// Sampler reads raw RGBA frames sequentially and forwards every Nth one
type Sampler struct {
	video  models.SourceVideo
	stride int
	r      io.Reader
	proc   *command.Process

	img   *image.RGBA
	index int
	count int
	done  bool
}

// NewSampler reads rgba frames of the source dimensions from r
func NewSampler(r io.Reader, video models.SourceVideo, stride int) (*Sampler, error) {
	if stride < 1 {
		return nil, fmt.Errorf("stride must be >= 1, got %d", stride)
	}
	if video.Width <= 0 || video.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", video.Width, video.Height)
	}
	if video.FPS <= 0 {
		video.FPS = DefaultFPS
	}
	return &Sampler{
		video:  video,
		stride: stride,
		r:      r,
		img:    image.NewRGBA(image.Rect(0, 0, video.Width, video.Height)),
	}, nil
}

// Open starts an ffmpeg decoder for the source and wraps its output in a Sampler
func Open(ctx context.Context, runner command.Runner, ffmpeg string, video models.SourceVideo, stride int) (*Sampler, error) {
	proc, err := runner.Start(ctx, ffmpeg,
		"-nostdin",
		"-v", "error",
		"-i", video.Path,
		"-map", "0:v:0",
		"-vsync", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
	if err != nil {
		return nil, fmt.Errorf("start decoder for '%s': %v: %w", video.Path, err, models.ErrIO)
	}
	s, err := NewSampler(proc.Stdout, video, stride)
	if err != nil {
		proc.Kill()
		return nil, err
	}
	s.proc = proc
	return s, nil
}

// Video returns the source description
func (s *Sampler) Video() models.SourceVideo { return s.video }

// FramesRead returns how many source frames were decoded so far
func (s *Sampler) FramesRead() int { return s.index }

// FramesSampled returns how many frames were forwarded so far
func (s *Sampler) FramesSampled() int { return s.count }

// Next returns the next sampled frame, or io.EOF at the end of the stream.
// The returned image is reused by the following call; callers that keep it
// must copy it.
func (s *Sampler) Next() (models.Frame, error) {
	if s.done {
		return models.Frame{}, io.EOF
	}
	for {
		_, err := io.ReadFull(s.r, s.img.Pix)
		switch {
		case errors.Is(err, io.EOF):
			s.done = true
			if s.proc != nil {
				if werr := s.proc.Wait(); werr != nil {
					return models.Frame{}, fmt.Errorf("decoder failed after frame %d: %v: %w", s.index, werr, models.ErrIO)
				}
			}
			return models.Frame{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			s.done = true
			return models.Frame{}, fmt.Errorf("truncated frame %d: %w", s.index+1, models.ErrIO)
		case err != nil:
			s.done = true
			return models.Frame{}, fmt.Errorf("read frame %d: %v: %w", s.index+1, err, models.ErrIO)
		}

		s.index++
		if s.index%s.stride != 0 {
			continue
		}
		s.count++
		return models.Frame{
			Index:     s.index,
			Timestamp: float64(s.index) / s.video.FPS,
			Image:     s.img,
		}, nil
	}
}

// Close stops the decoder if it is still running
func (s *Sampler) Close() error {
	s.done = true
	if s.proc != nil {
		s.proc.Kill()
	}
	return nil
}
