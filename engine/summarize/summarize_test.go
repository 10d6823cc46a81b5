package summarize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain json", `{"summary": "user prefers tabs"}`, "user prefers tabs"},
		{"fenced json", "```json\n{\"summary\": \"user prefers tabs\"}\n```", "user prefers tabs"},
		{"raw text fallback", "user prefers tabs", "user prefers tabs"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSummary(tt.content))
		})
	}
}

func TestParseInsights(t *testing.T) {
	raw := `{"insights": [
		{"title": "Prefers Go", "content": "Consistently chooses Go for backend work", "category": "preference", "confidence": 0.9},
		{"title": "", "content": "dropped for missing title", "category": "habit", "confidence": 0.5},
		{"title": "Overclaimed", "content": "confidence gets clamped", "category": "habit", "confidence": 1.7}
	]}`

	insights := parseInsights(raw)
	assert.Len(t, insights, 2)
	assert.Equal(t, "Prefers Go", insights[0].Title)
	assert.Equal(t, 1.0, insights[1].Confidence)
}

func TestParseInsights_BareList(t *testing.T) {
	raw := `[{"title": "T", "content": "C", "category": "knowledge", "confidence": 0.4}]`

	insights := parseInsights(raw)
	assert.Len(t, insights, 1)
}

func TestParseInsights_Garbage(t *testing.T) {
	assert.Nil(t, parseInsights("not json at all"))
}
