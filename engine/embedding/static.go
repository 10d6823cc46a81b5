package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// StaticService is a deterministic local embedder. Tokens and character
// bigrams are hashed into a fixed number of buckets and the resulting vector
// is L2 normalized, so similar texts land near each other without any
// network dependency. Intended for development and tests.
type StaticService struct {
	dimensions int
}

func NewStaticService(dimensions int) *StaticService {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &StaticService{dimensions: dimensions}
}

func (s *StaticService) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, s.dimensions)

	for _, token := range tokenize(text) {
		vec[bucket(token, s.dimensions)] += 1.0
		// Character bigrams give partial-match overlap between related terms.
		runes := []rune(token)
		for i := 0; i+1 < len(runes); i++ {
			vec[bucket(string(runes[i:i+2]), s.dimensions)] += 0.5
		}
	}

	normalize(vec)
	return vec, nil
}

func (s *StaticService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (s *StaticService) Dimensions() int {
	return s.dimensions
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= '0' && r <= '9') ||
		r > 127
}

func bucket(s string, dimensions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dimensions))
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
