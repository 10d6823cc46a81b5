package consolidate

import (
	"math"
	"strings"

	"github.com/hrygo/mnemos/store"
)

// compressionQuality scores a summary in [0, 1] from two factors weighted
// equally: the length ratio (a good summary is 10-30% of the originals) and
// how many leading terms from the originals it covers.
func compressionQuality(originals []*store.MemoryEntry, summary string) float64 {
	if len(originals) == 0 || summary == "" {
		return 0
	}

	originalLength := 0
	for _, m := range originals {
		originalLength += len(m.Content)
	}
	ratio := float64(len(summary)) / math.Max(float64(originalLength), 1)

	var ratioScore float64
	switch {
	case ratio >= 0.1 && ratio <= 0.3:
		ratioScore = 1.0
	case ratio < 0.1:
		ratioScore = ratio / 0.1 * 0.5
	default:
		ratioScore = math.Max(0, 1.0-(ratio-0.3))
	}

	originalTerms := map[string]struct{}{}
	for _, m := range originals {
		terms := strings.Fields(strings.ToLower(m.Content))
		if len(terms) > 10 {
			terms = terms[:10]
		}
		for _, term := range terms {
			originalTerms[term] = struct{}{}
		}
	}

	summaryTerms := map[string]struct{}{}
	for _, term := range strings.Fields(strings.ToLower(summary)) {
		summaryTerms[term] = struct{}{}
	}

	covered := 0
	for term := range originalTerms {
		if _, ok := summaryTerms[term]; ok {
			covered++
		}
	}
	coverage := float64(covered) / math.Max(float64(len(originalTerms)), 1)

	quality := 0.5*ratioScore + 0.5*math.Min(coverage, 1.0)
	return math.Round(quality*100) / 100
}
