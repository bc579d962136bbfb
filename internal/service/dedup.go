package service

import (
	"strings"

	"github.com/knoguchi/rerank/internal/retriever"
)

// deduplicateResults drops hits whose word set overlaps an earlier, better
// ranked hit by at least threshold.
func deduplicateResults(results []retriever.Result, threshold float64) []retriever.Result {
	if len(results) <= 1 || threshold >= 1 {
		return results
	}

	wordSets := make([]map[string]struct{}, len(results))
	for i, result := range results {
		wordSets[i] = tokenize(result.Text)
	}

	keep := make([]bool, len(results))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(results); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(results); j++ {
			if keep[j] && jaccardSimilarity(wordSets[i], wordSets[j]) >= threshold {
				keep[j] = false
			}
		}
	}

	deduplicated := make([]retriever.Result, 0, len(results))
	for i, result := range results {
		if keep[i] {
			deduplicated = append(deduplicated, result)
		}
	}
	return deduplicated
}

// tokenize converts content into a set of lowercase words.
func tokenize(content string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(content))
	wordSet := make(map[string]struct{}, len(words))
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'()[]{}=<>")
		if len(word) > 2 {
			wordSet[word] = struct{}{}
		}
	}
	return wordSet
}

// jaccardSimilarity returns |a∩b| / |a∪b|. Two empty sets are identical.
func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
