package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// ErrQueueFull is returned when no worker can take the request
var ErrQueueFull = errors.New("embedding queue is full, try again later")

// ErrClosed is returned for requests made after Close
var ErrClosed = errors.New("embedding service closed")

// Generator turns text into a vector
type Generator interface {
	Generate(ctx context.Context, content string) ([]float32, error)
}

// Result represents the result of embedding generation
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	Ctx     context.Context
	Content string
	Result  chan<- Result
}

// Service manages embedding generation and caching
type Service struct {
	gen        Generator
	numWorkers int
	workQueue  chan Work
	cache      sync.Map // content -> []float32
	wg         sync.WaitGroup

	mu     sync.RWMutex // guards closed and sends on workQueue
	closed bool
}

// NewService creates a new embedding service with the specified number of workers
func NewService(gen Generator, numWorkers, queueSize int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	service := &Service{
		gen:        gen,
		numWorkers: numWorkers,
		workQueue:  make(chan Work, queueSize),
	}

	service.startWorkers()

	return service
}

// startWorkers starts a pool of goroutines for generating embeddings
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				// Check cache first
				if cached, ok := s.cache.Load(work.Content); ok {
					work.Result <- Result{
						Content:   work.Content,
						Embedding: cached.([]float32),
					}
					continue
				}

				embedding, err := s.gen.Generate(work.Ctx, work.Content)
				if err == nil {
					s.cache.Store(work.Content, embedding)
				}

				work.Result <- Result{
					Content:   work.Content,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

// GetEmbedding requests an embedding generation asynchronously
func (s *Service) GetEmbedding(ctx context.Context, content string) <-chan Result {
	resultChan := make(chan Result, 1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		resultChan <- Result{Content: content, Error: ErrClosed}
		close(resultChan)
		return resultChan
	}

	select {
	case s.workQueue <- Work{
		Ctx:     ctx,
		Content: content,
		Result:  resultChan,
	}:
	default:
		// Queue is full, return an error immediately
		resultChan <- Result{
			Content: content,
			Error:   ErrQueueFull,
		}
		close(resultChan)
	}

	return resultChan
}

// Embed requests an embedding and waits for it
func (s *Service) Embed(ctx context.Context, content string) ([]float32, error) {
	select {
	case res := <-s.GetEmbedding(ctx, content):
		return res.Embedding, res.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.workQueue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// OpenAIGenerator calls an OpenAI-compatible embeddings endpoint
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator creates a generator for model
func NewOpenAIGenerator(apiKey, baseURL, model string) *OpenAIGenerator {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

// Generate implements Generator
func (g *OpenAIGenerator) Generate(ctx context.Context, content string) ([]float32, error) {
	resp, err := g.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(g.model),
		Input: []string{content},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embeddings returned")
	}
	return resp.Data[0].Embedding, nil
}
