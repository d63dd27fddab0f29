package kiln

import (
	"strings"
	"testing"
)

func sc(id, content string) ScoredChunk {
	return ScoredChunk{Chunk: Chunk{ID: id, Content: content}}
}

func TestFuseRanksPrefersAgreement(t *testing.T) {
	vector := []ScoredChunk{sc("a", "alpha"), sc("b", "beta"), sc("c", "gamma")}
	keyword := []ScoredChunk{sc("b", "beta"), sc("d", "delta")}

	fused := FuseRanks(vector, keyword, 0.3)
	if len(fused) != 4 {
		t.Fatalf("fused %d results, want 4", len(fused))
	}
	// "a" leads the vector list with weight 0.7; "b" is second in vector but
	// also first in keyword, so it collects both contributions and wins.
	if fused[0].ID != "b" {
		t.Errorf("top fused result = %s, want b", fused[0].ID)
	}
}

func TestFuseRanksDeterministic(t *testing.T) {
	vector := []ScoredChunk{sc("a", "x"), sc("b", "y")}
	keyword := []ScoredChunk{sc("b", "y"), sc("a", "x")}
	first := FuseRanks(vector, keyword, 0.3)
	for i := 0; i < 10; i++ {
		again := FuseRanks(vector, keyword, 0.3)
		for j := range first {
			if again[j].ID != first[j].ID || again[j].Score != first[j].Score {
				t.Fatal("FuseRanks is not deterministic across runs")
			}
		}
	}
}

func TestFuseRanksKeywordOnly(t *testing.T) {
	keyword := []ScoredChunk{sc("a", "x"), sc("b", "y")}
	fused := FuseRanks(nil, keyword, 1.0)
	if len(fused) != 2 || fused[0].ID != "a" {
		t.Fatalf("keyword-only fusion broken: %+v", fused)
	}
}

func TestRerankHitsLengthNorm(t *testing.T) {
	long := ScoredChunk{Chunk: Chunk{ID: "long", Content: strings.Repeat("x", 2048)}, Score: 1.0}
	tiny := ScoredChunk{Chunk: Chunk{ID: "tiny", Content: "x"}, Score: 1.0}

	out := RerankHits([]ScoredChunk{tiny, long}, nil)
	if out[0].ID != "long" {
		t.Errorf("length normalization should rank the full chunk first, got %s", out[0].ID)
	}
	if out[1].Score >= out[0].Score {
		t.Errorf("tiny chunk score %f not discounted below %f", out[1].Score, out[0].Score)
	}
}

func TestRerankHitsLabelPrior(t *testing.T) {
	a := ScoredChunk{Chunk: Chunk{ID: "a", Content: strings.Repeat("x", 1500)}, Score: 1.0, DocLabel: "local"}
	b := ScoredChunk{Chunk: Chunk{ID: "b", Content: strings.Repeat("y", 1500)}, Score: 1.0, DocLabel: "apple-docs"}

	out := RerankHits([]ScoredChunk{a, b}, map[string]float32{"apple-docs": 1.5})
	if out[0].ID != "b" {
		t.Errorf("label prior should promote apple-docs, got %s first", out[0].ID)
	}
}
