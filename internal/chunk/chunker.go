// Package chunk implements deterministic text segmentation with overlap
// and sentence/paragraph boundary respect, used by DocumentBuilder to
// split a document before fanning each piece out to a GraphBuilder.
package chunk

import (
	"fmt"
	"strings"
)

// Chunk is a contiguous substring of an input document, bounded by
// character offsets, with optional overlap to preserve cross-boundary
// context for extraction.
type Chunk struct {
	Text     string
	Start    int
	End      int
	Index    int
	Metadata map[string]string
}

// Config controls how Split partitions a document.
type Config struct {
	// ChunkSize is the target character length of each chunk.
	ChunkSize int
	// Overlap is how many trailing characters of a chunk also open the
	// next one. Must be >= 0 and < ChunkSize.
	Overlap int
	// RespectSentences snaps a chunk's end to the last sentence
	// terminator found within the window, when one exists.
	RespectSentences bool
	// RespectParagraphs prefers a double-newline boundary over a
	// sentence boundary, when both are present in the window.
	RespectParagraphs bool
	// MinChunkSize discards a boundary snap that would leave a chunk
	// shorter than this; 0 disables the check.
	MinChunkSize int
}

// DefaultConfig returns a Config with no boundary snapping and no
// overlap; callers name what they want respected.
func DefaultConfig(chunkSize int) Config {
	return Config{ChunkSize: chunkSize}
}

var sentenceTerminators = []byte{'.', '!', '?'}

func isSentenceTerminator(c byte) bool {
	for _, t := range sentenceTerminators {
		if c == t {
			return true
		}
	}
	return false
}

// Split partitions text per cfg. If |text| <= ChunkSize it returns a
// single chunk spanning the whole input. With Overlap == 0 the returned
// chunks are disjoint by offset and their concatenation reconstructs
// text exactly.
func Split(text string, cfg Config, metadata map[string]string) ([]Chunk, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk: chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("chunk: overlap must satisfy 0 <= overlap < chunk size, got %d", cfg.Overlap)
	}

	if len(text) == 0 {
		return nil, nil
	}
	if len(text) <= cfg.ChunkSize {
		return []Chunk{{Text: text, Start: 0, End: len(text), Index: 0, Metadata: metadata}}, nil
	}

	step := cfg.ChunkSize - cfg.Overlap
	var chunks []Chunk
	start := 0
	idx := 0
	for start < len(text) {
		end := start + cfg.ChunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			end = snapBoundary(text, start, end, cfg)
		}
		if end <= start {
			end = start + cfg.ChunkSize
			if end > len(text) {
				end = len(text)
			}
		}

		chunks = append(chunks, Chunk{
			Text:     text[start:end],
			Start:    start,
			End:      end,
			Index:    idx,
			Metadata: metadata,
		})
		idx++

		if end >= len(text) {
			break
		}
		start += step
		if start >= end {
			start = end
		}
	}
	return chunks, nil
}

// snapBoundary looks for a better cut point than the raw window end,
// within [start, end], preferring a paragraph break over a sentence
// terminator. It never snaps to a point that would make the chunk
// shorter than MinChunkSize.
func snapBoundary(text string, start, end int, cfg Config) int {
	window := text[start:end]

	if cfg.RespectParagraphs {
		if i := strings.LastIndex(window, "\n\n"); i >= 0 {
			snapped := start + i + 2
			if snapped > start && (cfg.MinChunkSize == 0 || snapped-start >= cfg.MinChunkSize) {
				return snapped
			}
		}
	}

	if cfg.RespectSentences {
		best := -1
		for i := len(window) - 1; i >= 0; i-- {
			if isSentenceTerminator(window[i]) {
				best = i + 1
				break
			}
		}
		if best > 0 {
			snapped := start + best
			if cfg.MinChunkSize == 0 || snapped-start >= cfg.MinChunkSize {
				return snapped
			}
		}
	}

	return end
}
