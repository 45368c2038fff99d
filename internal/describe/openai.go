package describe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ilyas-assylbekov/sergek/internal/config"
)

// OpenAI describes frames through any OpenAI-compatible chat endpoint that
// accepts image input (OpenAI, DashScope qwen-vl, vLLM, ...)
type OpenAI struct {
	cli   *openai.Client
	model string
}

// NewOpenAI creates a describer from cfg
func NewOpenAI(cfg config.DescribeConfig) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		cli:   openai.NewClientWithConfig(clientConfig),
		model: cfg.Model,
	}
}

// Describe implements Describer
func (o *OpenAI) Describe(ctx context.Context, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	url := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    url,
							Detail: openai.ImageURLDetailAuto,
						},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: Prompt,
					},
				},
			},
		},
	}

	resp, err := o.cli.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
