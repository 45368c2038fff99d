package describe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/agent-api/core/agent/bootstrap"
	"github.com/agent-api/ollama"
	"github.com/go-logr/logr"

	"github.com/ilyas-assylbekov/sergek/internal/config"
)

// OllamaURL is where the ollama provider sends requests. The provider does
// not take a host or port, so neither is configurable.
const OllamaURL = "http://localhost:11434"

const systemPrompt = "You are a traffic incident analysis assistant. Describe road scenes factually and concisely."

// Ollama describes frames with a local vision model served by Ollama
type Ollama struct {
	provider core.Provider
	logger   *slog.Logger
	alog     logr.Logger
}

// NewOllama initializes the vision provider. It fails when Ollama is not reachable.
func NewOllama(ctx context.Context, cfg config.DescribeConfig, logger *slog.Logger) (*Ollama, error) {
	// Check if Ollama is running
	if err := ping(ctx, OllamaURL+"/api/tags"); err != nil {
		return nil, fmt.Errorf("ollama is not reachable: %w", err)
	}

	alog := logr.FromSlogHandler(logger.Handler())
	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger: &alog,
	})
	return newOllama(ctx, provider, cfg.Model, logger)
}

func newOllama(ctx context.Context, provider core.Provider, model string, logger *slog.Logger) (*Ollama, error) {
	if err := provider.UseModel(ctx, &core.Model{ID: model}); err != nil {
		return nil, fmt.Errorf("failed to select model %s: %w", model, err)
	}
	return &Ollama{
		provider: provider,
		logger:   logger,
		alog:     logr.FromSlogHandler(logger.Handler()),
	}, nil
}

func ping(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// Describe implements Describer. Every call runs a fresh agent so frames
// never share conversation memory.
func (o *Ollama) Describe(ctx context.Context, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", imagePath, err)
	}

	a, err := agent.NewAgent(
		bootstrap.WithProvider(o.provider),
		bootstrap.WithSystemPrompt(systemPrompt),
		bootstrap.WithLogger(&o.alog),
		bootstrap.WithMaxSteps(2), // prompt + one answer
	)
	if err != nil {
		return "", fmt.Errorf("failed to create agent: %w", err)
	}

	response, err := a.Run(
		ctx,
		agent.WithInput(Prompt),
		agent.WithImageBase64(base64.StdEncoding.EncodeToString(data), "image/jpeg"),
	)
	if err != nil {
		return "", err
	}

	// Last message is the model's answer, not the prompt
	last := response.Pop()
	if last == nil || last.Role != core.AssistantMessageRole {
		return "", errors.New("no response messages received from model")
	}
	o.logger.Debug("Raw response content", "image", imagePath, "content", last.Content)
	return strings.TrimSpace(last.Content), nil
}
