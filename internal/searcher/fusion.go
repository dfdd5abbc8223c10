package searcher

import (
	"sort"
	"strings"

	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/internal/normalize"
	"github.com/dshills/openiti-search/internal/vector"
)

// rankedResult represents a chunk with its fused score.
type rankedResult struct {
	chunkID string
	score   float64
}

// applyRRF applies Reciprocal Rank Fusion to combine text and vector results.
// RRF formula: RRF(d) = Σ 1/(k + rank(d)), rank starting at 1. A chunk
// listed twice by one retriever counts at its best rank.
func applyRRF(textResults []lexical.Hit, vectorResults []vector.Hit, k int) []rankedResult {
	if k <= 0 {
		k = 60
	}

	scores := make(map[string]float64, len(textResults)+len(vectorResults))
	add := func(rank int, chunkID string, seen map[string]struct{}) {
		if chunkID == "" {
			return
		}
		if _, ok := seen[chunkID]; ok {
			return
		}
		seen[chunkID] = struct{}{}
		scores[chunkID] += 1.0 / float64(k+rank)
	}

	seen := make(map[string]struct{}, len(textResults))
	for i, h := range textResults {
		add(i+1, h.ChunkID, seen)
	}
	seen = make(map[string]struct{}, len(vectorResults))
	for i, h := range vectorResults {
		add(i+1, h.ChunkID, seen)
	}

	results := make([]rankedResult, 0, len(scores))
	for id, score := range scores {
		results = append(results, rankedResult{chunkID: id, score: score})
	}
	sortRankedResults(results)
	return results
}

// sortRankedResults sorts by score descending, then chunk id ascending.
func sortRankedResults(results []rankedResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].chunkID < results[j].chunkID
	})
}

// window returns results[from:from+size], clipped to the slice.
func window(results []rankedResult, from, size int) []rankedResult {
	if from >= len(results) {
		return nil
	}
	end := from + size
	if end > len(results) {
		end = len(results)
	}
	return results[from:end]
}

// lexicon maps a normalized term to normalized alternatives.
type lexicon map[string][]string

func newLexicon(raw map[string][]string, n *normalize.Normalizer) lexicon {
	l := make(lexicon, len(raw))
	for term, alts := range raw {
		key := n.Normalize(strings.TrimSpace(term))
		if key == "" {
			continue
		}
		for _, a := range alts {
			if v := n.Normalize(strings.TrimSpace(a)); v != "" && v != key {
				l[key] = appendUnique(l[key], v)
			}
		}
	}
	return l
}

// lookup collects alternatives for the whole query and for each of its
// words, first-seen order.
func (l lexicon) lookup(normalized string) []string {
	if len(l) == 0 || normalized == "" {
		return nil
	}
	var out []string
	keys := append([]string{normalized}, strings.Fields(normalized)...)
	for _, k := range keys {
		for _, v := range l[k] {
			out = appendUnique(out, v)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
