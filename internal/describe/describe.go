// Package describe produces natural-language scene descriptions for evidence
// frames using a vision language model.
package describe

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ilyas-assylbekov/sergek/internal/config"
	"github.com/ilyas-assylbekov/sergek/internal/models"
)

// Prompt asks the model for an accident verdict followed by details
const Prompt = `You are an advanced AI model for vehicle accident recognition. Analyze the given image and determine if an accident has occurred. Your response must follow this format:

1. Start with either "There is an accident" if an accident is detected, or "No accident" if no accident is found.
2. If an accident is detected, describe the vehicles involved, including their types (car, motorcycle, truck, or bus).
3. Provide details about the accident, such as the position of vehicles, potential collision points, and the severity if possible.
4. If no accident is detected, simply state "No accident."`

// Describer describes the image stored at imagePath
type Describer interface {
	Describe(ctx context.Context, imagePath string) (string, error)
}

// New builds the describer selected by cfg. It returns nil when descriptions
// are disabled.
func New(ctx context.Context, cfg config.DescribeConfig, logger *slog.Logger) (Describer, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "ollama":
		return NewOllama(ctx, cfg, logger)
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown describe provider %q", cfg.Provider)
	}
}

// All describes every entry whose image was written to dir. Failures are
// logged and leave the description empty; the count of described entries is
// returned.
func All(ctx context.Context, d Describer, dir string, entries []models.EvidenceEntry, logger *slog.Logger) int {
	if d == nil {
		return 0
	}
	described := 0
	for i := range entries {
		if ctx.Err() != nil {
			break
		}
		if entries[i].File == "" {
			continue
		}
		text, err := d.Describe(ctx, filepath.Join(dir, entries[i].File))
		if err != nil {
			logger.Warn("Failed to describe evidence frame",
				"frame", entries[i].Frame,
				"file", entries[i].File,
				"error", err)
			continue
		}
		entries[i].Description = text
		described++
	}
	return described
}
