package retrieval

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Memories lose relevance over time with a 30 day half-life.
const timeDecayHalfLifeDays = 30.0

const (
	// Weighted combination of the score components.
	keywordWeight  = 0.35
	semanticWeight = 0.30
	timeWeight     = 0.25
	accessWeight   = 0.10

	// Lexical hits start from a fixed keyword score; term overlap can
	// only raise it.
	lexicalBaseScore = 0.7

	// Bonuses for entries both stages agree on.
	bothStagesSemanticBonus  = 0.3
	bothStagesDiversityBonus = 0.1

	// Similarity discount for entries only the semantic stage found.
	semanticOnlyDiscount = 0.5

	// MMR balance between relevance and diversity.
	mmrLambda = 0.7
)

// stopWords are dropped to form the simplified query variation.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "been": {}, "being": {},
}

// expandQuery generates query variations for better recall: the original,
// a stop-word-stripped variant, and short substrings for queries written
// without word separators (CJK and similar scripts).
func expandQuery(query string) []string {
	variations := []string{query}

	words := strings.Fields(query)
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := stopWords[strings.ToLower(w)]; !ok {
			kept = append(kept, w)
		}
	}
	if simplified := strings.Join(kept, " "); simplified != "" && simplified != query {
		variations = append(variations, simplified)
	}

	if hasUnspacedScript(query) {
		runes := []rune(query)
		if len(runes) >= 4 {
			variations = append(variations, string(runes[:4]))
		}
		if len(runes) >= 6 {
			variations = append(variations, string(runes[2:6]))
		}
	}

	return variations
}

func hasUnspacedScript(s string) bool {
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			return true
		}
	}
	return false
}

// relevance computes the weighted score for one result, filling in the time
// and access components from the entry itself.
func relevance(result *ScoredMemory, now time.Time) float64 {
	memory := result.Memory

	ageDays := now.Sub(memory.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	result.TimeScore = math.Pow(0.5, ageDays/timeDecayHalfLifeDays)

	result.AccessScore = math.Min(math.Log1p(float64(memory.AccessCount))/5.0, 1.0)

	score := result.KeywordScore*keywordWeight +
		result.SemanticScore*semanticWeight +
		result.TimeScore*timeWeight +
		result.AccessScore*accessWeight +
		result.DiversityBonus

	return math.Round(score*10000) / 10000
}

// rankResults recomputes keyword scores from query term overlap, sorts by
// relevance and drops near-duplicates by content prefix.
func rankResults(results []*ScoredMemory, query string, now time.Time) []*ScoredMemory {
	queryTerms := termSet(query)

	for _, result := range results {
		contentTerms := termSet(result.Memory.Content)
		overlap := 0
		for term := range queryTerms {
			if _, ok := contentTerms[term]; ok {
				overlap++
			}
		}
		overlapScore := float64(overlap) / math.Max(float64(len(queryTerms)), 1)
		if overlapScore > result.KeywordScore {
			result.KeywordScore = overlapScore
		}
		result.Relevance = relevance(result, now)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})

	seen := map[string]struct{}{}
	unique := make([]*ScoredMemory, 0, len(results))
	for _, result := range results {
		key := contentKey(result.Memory.Content)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, result)
	}
	return unique
}

// diversityRerank selects topK results with Maximal Marginal Relevance,
// trading a little relevance for less redundancy.
func diversityRerank(results []*ScoredMemory, topK int) []*ScoredMemory {
	if len(results) <= topK {
		return results
	}

	selected := make([]*ScoredMemory, 0, topK)
	remaining := append([]*ScoredMemory{}, results...)

	for len(selected) < topK && len(remaining) > 0 {
		bestScore := math.Inf(-1)
		bestIdx := 0

		for i, candidate := range remaining {
			penalty := 0.0
			for _, picked := range selected {
				if sim := contentSimilarity(candidate.Memory.Content, picked.Memory.Content); sim > penalty {
					penalty = sim
				}
			}
			score := mmrLambda*candidate.Relevance - (1-mmrLambda)*penalty
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// contentSimilarity is the Jaccard similarity of the lowercased term sets.
func contentSimilarity(a, b string) float64 {
	termsA := termSet(a)
	termsB := termSet(b)
	if len(termsA) == 0 || len(termsB) == 0 {
		return 0
	}

	intersection := 0
	for term := range termsA {
		if _, ok := termsB[term]; ok {
			intersection++
		}
	}
	union := len(termsA) + len(termsB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func termSet(s string) map[string]struct{} {
	terms := map[string]struct{}{}
	for _, term := range strings.Fields(strings.ToLower(s)) {
		terms[term] = struct{}{}
	}
	return terms
}

func contentKey(content string) string {
	runes := []rune(strings.ToLower(content))
	if len(runes) > 100 {
		runes = runes[:100]
	}
	return string(runes)
}
