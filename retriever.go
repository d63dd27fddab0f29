package kiln

import (
	"sort"
)

// rrfK dampens the contribution of lower ranks in reciprocal rank fusion.
const rrfK = 60

// DefaultKeywordWeight is the share of the fused score contributed by the
// lexical ranking in hybrid search; the vector ranking gets the remainder.
const DefaultKeywordWeight = 0.3

// FuseRanks merges vector and keyword search results using Reciprocal Rank
// Fusion. keywordWeight is in [0,1]; vectorWeight = 1 - keywordWeight.
// Returns results sorted by fused score descending. Either input may be nil.
func FuseRanks(vector, keyword []ScoredChunk, keywordWeight float32) []ScoredChunk {
	vectorWeight := 1 - keywordWeight

	merged := make(map[string]*ScoredChunk)
	order := make([]string, 0, len(vector)+len(keyword))

	add := func(list []ScoredChunk, weight float32) {
		for rank, sc := range list {
			e, ok := merged[sc.ID]
			if !ok {
				c := sc
				c.Score = 0
				merged[sc.ID] = &c
				order = append(order, sc.ID)
				e = merged[sc.ID]
			}
			e.Score += weight * (1.0 / float32(rrfK+rank+1))
		}
	}
	add(vector, vectorWeight)
	add(keyword, keywordWeight)

	results := make([]ScoredChunk, 0, len(merged))
	for _, id := range order {
		results = append(results, *merged[id])
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// rerank target length: chunks near this size carry full weight; very short
// fragments are discounted so they do not dominate on incidental matches.
const rerankTargetLen = 1024

// RerankHits applies the cross-encoder-free heuristic after fusion:
// chunk length normalization plus a per-label prior. labelPriors maps a
// label to a multiplicative boost (1.0 = neutral); missing labels are
// neutral. Results are re-sorted by adjusted score descending.
func RerankHits(results []ScoredChunk, labelPriors map[string]float32) []ScoredChunk {
	for i := range results {
		adjusted := results[i].Score * lengthNorm(len(results[i].Content))
		if p, ok := labelPriors[results[i].DocLabel]; ok && p > 0 {
			adjusted *= p
		}
		results[i].Score = adjusted
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// lengthNorm discounts very short chunks and is flat from the target up.
func lengthNorm(n int) float32 {
	if n >= rerankTargetLen {
		return 1.0
	}
	if n <= 0 {
		return 0.1
	}
	// Linear ramp from 0.5 at zero length to 1.0 at the target.
	return 0.5 + 0.5*float32(n)/float32(rerankTargetLen)
}
