// Package embedding provides vector embedding services for memory content.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sashabaranov/go-openai"

	"github.com/hrygo/mnemos/internal/profile"
)

// Service is the vector embedding service interface.
type Service interface {
	// Embed generates a vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates vectors for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension.
	Dimensions() int
}

// EmbedMean embeds several texts and returns their normalized mean vector.
// Composite queries search with one averaged vector instead of unioning
// per-variant result sets.
func EmbedMean(ctx context.Context, svc Service, texts []string) ([]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts to embed")
	}
	if len(texts) == 1 {
		return svc.Embed(ctx, texts[0])
	}

	vectors, err := svc.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	mean := make([]float32, len(vectors[0]))
	for _, vec := range vectors {
		for i, v := range vec {
			mean[i] += v
		}
	}
	var norm float64
	for i := range mean {
		mean[i] /= float32(len(vectors))
		norm += float64(mean[i]) * float64(mean[i])
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range mean {
			mean[i] *= scale
		}
	}
	return mean, nil
}

// Error wraps an embedding provider failure. Embedding errors never block a
// write: the entry is stored without a vector and indexed later.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewService builds the embedding service from the profile. The "static"
// provider is a deterministic local embedder for development and tests; every
// other provider speaks the OpenAI embeddings protocol.
func NewService(p *profile.Profile) (Service, error) {
	if p.EmbeddingProvider == "static" {
		return NewStaticService(p.EmbeddingDimensions), nil
	}
	if p.EmbeddingAPIKey == "" {
		return nil, errors.New("embedding api key required")
	}

	clientConfig := openai.DefaultConfig(p.EmbeddingAPIKey)
	if p.EmbeddingBaseURL != "" {
		clientConfig.BaseURL = p.EmbeddingBaseURL
	}

	return &openaiService{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      p.EmbeddingModel,
		dimensions: p.EmbeddingDimensions,
	}, nil
}

type openaiService struct {
	client     *openai.Client
	model      string
	dimensions int
}

func (s *openaiService) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, &Error{Err: errors.New("empty embedding result")}
	}
	return vectors[0], nil
}

func (s *openaiService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &Error{Err: errors.New("no texts provided for embedding")}
	}

	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(s.model),
		Dimensions: s.dimensions,
	}

	resp, err := s.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("create embeddings failed: %w", err)}
	}

	if len(resp.Data) == 0 {
		return nil, &Error{Err: errors.New("empty embedding response")}
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vectors[i] = data.Embedding
	}

	return vectors, nil
}

func (s *openaiService) Dimensions() int {
	return s.dimensions
}
