// Package summarize provides the LLM collaborator used by consolidation.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/hrygo/mnemos/internal/profile"
)

// Insight is one pattern extracted from a batch of memories.
type Insight struct {
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Service is the summarization collaborator interface. Both operations are
// best effort: consolidation treats any error as a skipped cluster.
type Service interface {
	// Summarize compresses a cluster of related memories into one passage.
	Summarize(ctx context.Context, contents []string) (string, error)

	// ExtractInsights finds recurring patterns in a batch of memories.
	ExtractInsights(ctx context.Context, contents []string) ([]Insight, error)

	// IsEnabled reports whether an LLM backend is configured.
	IsEnabled() bool
}

const summarizeSystemPrompt = `You compress collections of personal memory notes.
Write one dense paragraph that preserves every distinct fact, preference and decision.
Do not add information. Return JSON: {"summary": "..."}`

const insightsSystemPrompt = `You find recurring patterns in personal memory notes.
Return JSON: {"insights": [{"title": "...", "content": "...", "category": "...", "confidence": 0.0}]}.
Categories: preference, habit, knowledge, goal. Confidence is in [0, 1].
Return an empty list when no clear pattern exists.`

type service struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	timeout time.Duration
	enabled bool
}

// NewService creates the summarizer from the profile. Requests are rate
// limited so a large consolidation run cannot saturate the provider.
func NewService(p *profile.Profile) Service {
	svc := &service{
		model:   p.LLMModel,
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		timeout: 30 * time.Second,
		enabled: p.IsSummarizeEnabled(),
	}
	if !svc.enabled {
		return svc
	}

	clientConfig := openai.DefaultConfig(p.LLMAPIKey)
	if p.LLMBaseURL != "" {
		clientConfig.BaseURL = p.LLMBaseURL
	}
	svc.client = openai.NewClientWithConfig(clientConfig)
	return svc
}

func (s *service) IsEnabled() bool {
	return s.enabled
}

func (s *service) Summarize(ctx context.Context, contents []string) (string, error) {
	if !s.enabled {
		return "", fmt.Errorf("summarizer disabled")
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	prompt := "Compress these related memories into one paragraph:\n\n" + numberedList(contents)
	raw, err := s.chat(ctx, summarizeSystemPrompt, prompt)
	if err != nil {
		return "", err
	}

	summary := parseSummary(raw)
	if summary == "" {
		return "", fmt.Errorf("empty summary response")
	}
	return summary, nil
}

func (s *service) ExtractInsights(ctx context.Context, contents []string) ([]Insight, error) {
	if !s.enabled {
		return nil, nil
	}
	if len(contents) == 0 {
		return nil, nil
	}

	prompt := "Find recurring patterns in these memories:\n\n" + numberedList(contents)
	raw, err := s.chat(ctx, insightsSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	return parseInsights(raw), nil
}

func (s *service) chat(ctx context.Context, system, user string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty chat response")
	}
	return resp.Choices[0].Message.Content, nil
}

func numberedList(contents []string) string {
	var b strings.Builder
	for i, c := range contents {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return b.String()
}

func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func parseSummary(content string) string {
	content = stripCodeFence(content)

	var result struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(content), &result); err == nil && result.Summary != "" {
		return strings.TrimSpace(result.Summary)
	}

	// Model ignored the JSON instruction; use the raw text.
	return strings.TrimSpace(content)
}

func parseInsights(content string) []Insight {
	content = stripCodeFence(content)

	var result struct {
		Insights []Insight `json:"insights"`
	}
	if err := json.Unmarshal([]byte(content), &result); err == nil {
		return clampInsights(result.Insights)
	}

	// Some models return a bare list.
	var list []Insight
	if err := json.Unmarshal([]byte(content), &list); err == nil {
		return clampInsights(list)
	}
	return nil
}

func clampInsights(insights []Insight) []Insight {
	valid := insights[:0]
	for _, in := range insights {
		if in.Title == "" || in.Content == "" {
			continue
		}
		if in.Confidence < 0 {
			in.Confidence = 0
		}
		if in.Confidence > 1 {
			in.Confidence = 1
		}
		valid = append(valid, in)
	}
	return valid
}
