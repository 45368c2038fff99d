package analyzer

import (
	"context"

	"github.com/ilyas-assylbekov/sergek/internal/command"
	"github.com/ilyas-assylbekov/sergek/internal/encoder"
	"github.com/ilyas-assylbekov/sergek/internal/extractor"
	"github.com/ilyas-assylbekov/sergek/internal/models"
)

// FFmpegMedia decodes and encodes through ffmpeg processes
type FFmpegMedia struct {
	Runner     command.Runner
	FFmpeg     string
	FFprobe    string
	Normalizer encoder.Normalizer
}

// Probe implements Media
func (m FFmpegMedia) Probe(ctx context.Context, path string) (models.SourceVideo, error) {
	return extractor.Probe(ctx, m.Runner, m.FFprobe, path)
}

// OpenSource implements Media
func (m FFmpegMedia) OpenSource(ctx context.Context, video models.SourceVideo, stride int) (FrameSource, error) {
	return extractor.Open(ctx, m.Runner, m.FFmpeg, video, stride)
}

// OpenSink implements Media
func (m FFmpegMedia) OpenSink(ctx context.Context, path string, video models.SourceVideo) (FrameSink, error) {
	fps := video.FPS
	if fps <= 0 {
		fps = extractor.DefaultFPS
	}
	return encoder.Open(ctx, m.Runner, m.FFmpeg, path, video.Width, video.Height, fps, m.Normalizer)
}
