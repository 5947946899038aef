package chunk

import (
	"strings"
	"testing"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	text := "hello world"
	chunks, err := Split(text, DefaultConfig(100), nil)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("expected chunk text %q, got %q", text, chunks[0].Text)
	}
	if chunks[0].Start != 0 || chunks[0].End != len(text) {
		t.Errorf("unexpected offsets %d/%d", chunks[0].Start, chunks[0].End)
	}
}

func TestSplitZeroOverlapDisjointUnion(t *testing.T) {
	text := strings.Repeat("abcdefghij", 10) // 100 chars
	chunks, err := Split(text, Config{ChunkSize: 30, Overlap: 0}, nil)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	var rebuilt strings.Builder
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		rebuilt.WriteString(c.Text)
		if c.Text != text[c.Start:c.End] {
			t.Errorf("chunk %d text does not match offsets", i)
		}
	}
	if rebuilt.String() != text {
		t.Errorf("union of chunks does not reconstruct input")
	}
}

func TestSplitWithOverlapProducesOverlappingWindows(t *testing.T) {
	text := strings.Repeat("x", 100)
	chunks, err := Split(text, Config{ChunkSize: 30, Overlap: 10}, nil)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start >= chunks[i-1].End {
			t.Errorf("chunk %d does not overlap with chunk %d", i, i-1)
		}
	}
}

func TestSplitRespectsSentenceBoundary(t *testing.T) {
	text := "First sentence here. Second sentence follows now. Third one caps it off nicely."
	chunks, err := Split(text, Config{ChunkSize: 40, Overlap: 5, RespectSentences: true}, nil)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if !strings.HasSuffix(strings.TrimRight(chunks[0].Text, " "), ".") {
		t.Errorf("expected first chunk to end on a sentence boundary, got %q", chunks[0].Text)
	}
}

func TestSplitRejectsInvalidOverlap(t *testing.T) {
	_, err := Split("some text", Config{ChunkSize: 10, Overlap: 10}, nil)
	if err == nil {
		t.Fatal("expected error for overlap == chunk size")
	}
}

func TestSplitEmptyText(t *testing.T) {
	chunks, err := Split("", DefaultConfig(10), nil)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected zero chunks for empty text, got %d", len(chunks))
	}
}
