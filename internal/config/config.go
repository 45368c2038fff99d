package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for program configuration
const (
	DefaultMaxWorkers = 4  // Adjust based on accelerator capacity
	DefaultQueueSize  = 16 // Jobs waiting for a free worker
	DefaultStride     = 3
	DefaultTopK       = 5
	DefaultChunkSize  = 1 << 20
)

// Config is the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Workers  WorkersConfig  `yaml:"workers"`
	Detector DetectorConfig `yaml:"detector"`
	FFmpeg   FFmpegConfig   `yaml:"ffmpeg"`
	Describe DescribeConfig `yaml:"describe"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP settings
type ServerConfig struct {
	Addr             string `yaml:"addr"`
	AllowedOrigin    string `yaml:"allowed_origin"`
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`
	ChunkSize        int    `yaml:"chunk_size"` // bytes per streamed chunk
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
}

// PathsConfig contains the storage directories
type PathsConfig struct {
	Uploads   string `yaml:"uploads"`
	Processed string `yaml:"processed"`
	Evidence  string `yaml:"evidence"`
}

// PipelineConfig contains per-run processing settings
type PipelineConfig struct {
	Stride        int     `yaml:"stride"`         // only every Nth frame is processed
	TopK          int     `yaml:"top_k"`          // evidence entries retained per run
	MinConfidence float64 `yaml:"min_confidence"` // detections below are dropped at the adapter
	JPEGQuality   int     `yaml:"jpeg_quality"`
}

// WorkersConfig bounds concurrent pipelines
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// DetectorConfig describes the external detection worker process
type DetectorConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	TimeoutS    int               `yaml:"timeout_s"`
	MaxRestarts int               `yaml:"max_restarts"` // consecutive worker restarts per run
	Labels      map[string]string `yaml:"labels"`       // class name overrides, "*" relabels every class
}

// FFmpegConfig contains binary locations
type FFmpegConfig struct {
	FFmpeg  string `yaml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe"`
	Codec   string `yaml:"codec"` // normalized output video codec
}

// DescribeConfig selects the scene-description provider
type DescribeConfig struct {
	Provider       string `yaml:"provider"` // none, ollama, openai
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"` // openai only, empty uses the provider default
	APIKey         string `yaml:"api_key"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// DatabaseConfig enables the Postgres incident index when URL is set
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	EmbeddingDim int    `yaml:"embedding_dim"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level      string `yaml:"level"`
	TimeFormat string `yaml:"time_format"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":8000",
			AllowedOrigin:    "http://localhost:3000",
			MaxUploadBytes:   2 << 30,
			ChunkSize:        DefaultChunkSize,
			ShutdownTimeoutS: 10,
		},
		Paths: PathsConfig{
			Uploads:   "uploads",
			Processed: "processed",
			Evidence:  "top_confidence_frames",
		},
		Pipeline: PipelineConfig{
			Stride:        DefaultStride,
			TopK:          DefaultTopK,
			MinConfidence: 0.3,
			JPEGQuality:   90,
		},
		Workers: WorkersConfig{
			Count:     DefaultMaxWorkers,
			QueueSize: DefaultQueueSize,
		},
		Detector: DetectorConfig{
			Command:     "python3",
			Args:        []string{"detector/worker.py", "--model", "LongFineTune.pt"},
			TimeoutS:    30,
			MaxRestarts: 3,
		},
		FFmpeg: FFmpegConfig{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
			Codec:   "libx264",
		},
		Describe: DescribeConfig{
			Provider:       "none",
			Model:          "llama3.2-vision:11b",
			EmbeddingModel: "text-embedding-3-small",
		},
		Database: DatabaseConfig{
			EmbeddingDim: 1536,
		},
		Log: LogConfig{
			Level:      "info",
			TimeFormat: "15:04:05",
		},
	}
}

// Load reads the YAML file at path (optional) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("SERGEK_ADDR", &c.Server.Addr)
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + v
	}
	str("SERGEK_ALLOWED_ORIGIN", &c.Server.AllowedOrigin)
	str("SERGEK_UPLOAD_DIR", &c.Paths.Uploads)
	str("SERGEK_PROCESSED_DIR", &c.Paths.Processed)
	str("SERGEK_EVIDENCE_DIR", &c.Paths.Evidence)
	num("SERGEK_STRIDE", &c.Pipeline.Stride)
	num("SERGEK_TOP_K", &c.Pipeline.TopK)
	num("SERGEK_WORKERS", &c.Workers.Count)
	num("SERGEK_QUEUE_SIZE", &c.Workers.QueueSize)
	str("SERGEK_DETECTOR_COMMAND", &c.Detector.Command)
	if v, ok := lookup("SERGEK_DETECTOR_ARGS"); ok {
		c.Detector.Args = strings.Fields(v)
	}
	str("SERGEK_DESCRIBE_PROVIDER", &c.Describe.Provider)
	str("SERGEK_DESCRIBE_MODEL", &c.Describe.Model)
	str("SERGEK_DESCRIBE_BASE_URL", &c.Describe.BaseURL)
	str("OPENAI_API_KEY", &c.Describe.APIKey)
	str("SERGEK_DATABASE_URL", &c.Database.URL)
	str("SERGEK_LOG_LEVEL", &c.Log.Level)
}

// Validate checks the configuration for values the pipeline cannot run with
func (c Config) Validate() error {
	var problems []string
	if c.Pipeline.Stride < 1 {
		problems = append(problems, "pipeline.stride must be >= 1")
	}
	if c.Pipeline.TopK < 0 {
		problems = append(problems, "pipeline.top_k must be >= 0")
	}
	if c.Pipeline.MinConfidence < 0 || c.Pipeline.MinConfidence > 1 {
		problems = append(problems, "pipeline.min_confidence must be within [0,1]")
	}
	if c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100 {
		problems = append(problems, "pipeline.jpeg_quality must be within [1,100]")
	}
	if c.Workers.Count < 1 {
		problems = append(problems, "workers.count must be >= 1")
	}
	if c.Workers.QueueSize < 1 {
		problems = append(problems, "workers.queue_size must be >= 1")
	}
	if c.Server.ChunkSize < 1 {
		problems = append(problems, "server.chunk_size must be >= 1")
	}
	if c.Detector.Command == "" {
		problems = append(problems, "detector.command is required")
	}
	switch c.Describe.Provider {
	case "none":
	case "ollama":
		if c.Describe.BaseURL != "" {
			problems = append(problems, "describe.base_url is not supported by the ollama provider, it always uses localhost:11434")
		}
	case "openai":
		if c.Describe.APIKey == "" {
			problems = append(problems, "describe.api_key is required for the openai provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("describe.provider %q is not one of none, ollama, openai", c.Describe.Provider))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DetectorTimeout returns the per-frame detection timeout
func (c Config) DetectorTimeout() time.Duration {
	if c.Detector.TimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Detector.TimeoutS) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutS) * time.Second
}

// SlogLevel maps the configured level name to a slog.Level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}
