package embeddings

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

type countingGenerator struct {
	calls atomic.Int64
	err   error
}

func (g *countingGenerator) Generate(ctx context.Context, content string) ([]float32, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return []float32{float32(len(content)), 1}, nil
}

func TestServiceCachesResults(t *testing.T) {
	gen := &countingGenerator{}
	s := NewService(gen, 1, 4)
	defer s.Close()

	for i := 0; i < 3; i++ {
		emb, err := s.Embed(context.Background(), "car collision")
		if err != nil {
			t.Fatal(err)
		}
		if len(emb) != 2 || emb[0] != 13 {
			t.Fatalf("embedding = %v", emb)
		}
	}
	if n := gen.calls.Load(); n != 1 {
		t.Fatalf("generator called %d times, want 1", n)
	}
}

func TestServiceDoesNotCacheErrors(t *testing.T) {
	gen := &countingGenerator{err: errors.New("rate limited")}
	s := NewService(gen, 2, 4)
	defer s.Close()

	for i := 0; i < 2; i++ {
		if _, err := s.Embed(context.Background(), "x"); err == nil {
			t.Fatal("expected error")
		}
	}
	if gen.calls.Load() != 2 {
		t.Fatalf("calls = %d", gen.calls.Load())
	}
}

type blockingGenerator struct {
	release chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, content string) ([]float32, error) {
	<-g.release
	return []float32{1}, nil
}

func TestServiceQueueFull(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	s := NewService(gen, 1, 1)

	// one request occupies the worker, the next fills the queue
	first := s.GetEmbedding(context.Background(), "a")
	var full bool
	var pending []<-chan Result
	for i := 0; i < 3 && !full; i++ {
		ch := s.GetEmbedding(context.Background(), "b")
		select {
		case res := <-ch:
			if errors.Is(res.Error, ErrQueueFull) {
				full = true
			}
		default:
			pending = append(pending, ch)
		}
	}
	if !full {
		t.Fatal("expected ErrQueueFull once the worker and queue are busy")
	}

	close(gen.release)
	if res := <-first; res.Error != nil {
		t.Fatal(res.Error)
	}
	for _, ch := range pending {
		<-ch
	}
	s.Close()
}

func TestServiceConcurrentClose(t *testing.T) {
	s := NewService(&countingGenerator{}, 4, 16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Embed(context.Background(), "frame")
		}()
	}
	wg.Wait()
	s.Close()
	s.Close()
}

func TestServiceRequestsAfterClose(t *testing.T) {
	s := NewService(&countingGenerator{}, 2, 4)
	s.Close()
	res := <-s.GetEmbedding(context.Background(), "late")
	if !errors.Is(res.Error, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", res.Error)
	}
	if _, err := s.Embed(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestServiceEmbedRacingClose(t *testing.T) {
	s := NewService(&countingGenerator{}, 2, 64)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Embed(context.Background(), "frame")
			if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrQueueFull) {
				t.Error(err)
			}
		}()
	}
	s.Close()
	wg.Wait()
}

func TestOpenAIGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.25,-0.5,1]}],"model":"text-embedding-3-small"}`)
	}))
	defer srv.Close()

	g := NewOpenAIGenerator("test", srv.URL+"/v1", "text-embedding-3-small")
	emb, err := g.Generate(context.Background(), "two cars collided")
	if err != nil {
		t.Fatal(err)
	}
	if len(emb) != 3 || emb[0] != 0.25 || emb[1] != -0.5 {
		t.Fatalf("embedding = %v", emb)
	}
}
