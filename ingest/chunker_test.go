package ingest

import (
	"strings"
	"testing"
)

func TestRecursiveChunkerShortText(t *testing.T) {
	rc := NewRecursiveChunker()
	chunks := rc.Chunk("short text")
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Fatalf("chunks = %v, want single passthrough", chunks)
	}
}

func TestRecursiveChunkerEmpty(t *testing.T) {
	rc := NewRecursiveChunker()
	if got := rc.Chunk("   \n  "); got != nil {
		t.Fatalf("empty input produced chunks: %v", got)
	}
}

func TestRecursiveChunkerRespectsMax(t *testing.T) {
	rc := NewRecursiveChunker(WithMaxBytes(100))
	para := strings.Repeat("word ", 30) // 150 bytes, no sentence breaks
	text := para + "\n\n" + para + "\n\n" + para
	for i, c := range rc.Chunk(text) {
		if len(c) > 100 {
			t.Errorf("chunk %d is %d bytes, exceeds max 100", i, len(c))
		}
	}
}

func TestRecursiveChunkerSentenceBoundaries(t *testing.T) {
	rc := NewRecursiveChunker(WithMaxBytes(60))
	text := "First sentence here. Second sentence follows. Third one closes it out."
	chunks := rc.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("expected sentence-level split, got %v", chunks)
	}
	for _, c := range chunks {
		if len(c) > 60 {
			t.Errorf("chunk %q exceeds max", c)
		}
	}
}

func TestSplitRunesNeverSplitsCodepoints(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 40)
	for _, seg := range splitRunes(text, 50) {
		if !strings.HasPrefix(text, "h") {
			t.Fatal("sanity")
		}
		for _, r := range seg {
			if r == '�' {
				t.Fatalf("segment %q contains a broken rune", seg)
			}
		}
	}
}
