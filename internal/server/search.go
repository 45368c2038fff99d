package server

import (
	"context"
	"fmt"

	"github.com/ilyas-assylbekov/sergek/internal/models"
)

// QueryEmbedder turns a query into a vector
type QueryEmbedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// VectorIndex finds evidence nearest to a vector
type VectorIndex interface {
	SearchEvidence(ctx context.Context, query []float32, limit int) ([]models.EvidenceMatch, error)
}

// VectorSearch answers free-text evidence queries by embedding the query
// and searching the index with the result.
type VectorSearch struct {
	Embedder QueryEmbedder
	Index    VectorIndex
}

// Search implements Searcher
func (v *VectorSearch) Search(ctx context.Context, query string, limit int) ([]models.EvidenceMatch, error) {
	vec, err := v.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return v.Index.SearchEvidence(ctx, vec, limit)
}
