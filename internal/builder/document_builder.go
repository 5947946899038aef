package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/quantumflow/kgbuilder/internal/chunk"
	"github.com/quantumflow/kgbuilder/internal/concurrency"
	"github.com/quantumflow/kgbuilder/internal/extract"
)

// ErrEmptyDocument is returned when the parsed document contains no
// non-whitespace text.
type ErrEmptyDocument struct {
	Path string
}

func (e *ErrEmptyDocument) Error() string {
	return fmt.Sprintf("builder: document %q parsed to empty text", e.Path)
}

var documentTypeByExtension = map[string]string{
	".txt":  "text",
	".md":   "markdown",
	".json": "json",
	".csv":  "csv",
	".pdf":  "pdf",
	".htm":  "html",
	".html": "html",
}

// detectDocumentType classifies a document by its file extension,
// defaulting to "unknown" for anything not recognised.
func detectDocumentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := documentTypeByExtension[ext]; ok {
		return t
	}
	return "unknown"
}

// DocumentConfig configures DocumentBuilder.
type DocumentConfig struct {
	ChunkConfig chunk.Config
	// Parallel runs the document's chunks through the GraphBuilder
	// concurrently, bounded by MaxParallel; MaxParallel <= 0 runs all
	// chunks at once.
	Parallel    bool
	MaxParallel int
}

// DocumentBuildResult aggregates BuildResult across every chunk of one
// document. Success is true when at least one chunk succeeded.
type DocumentBuildResult struct {
	Success              bool
	DocumentType         string
	ChunkCount           int
	ChunkResults         []*BuildResult
	TotalEntitiesAdded   int
	TotalRelationsAdded  int
	TotalEntitiesLinked  int
	Warnings             []string
	Errors               []string
	Duration             time.Duration
}

// DocumentBuilder chunks a whole document and runs every chunk through
// a GraphBuilder, merging per-chunk metadata with document identity.
type DocumentBuilder struct {
	Parser  extract.DocumentParser
	Builder *GraphBuilder
	Config  DocumentConfig
}

// NewDocumentBuilder builds a DocumentBuilder over the given parser and
// underlying GraphBuilder.
func NewDocumentBuilder(parser extract.DocumentParser, gb *GraphBuilder, cfg DocumentConfig) *DocumentBuilder {
	return &DocumentBuilder{Parser: parser, Builder: gb, Config: cfg}
}

// BuildFromDocument parses path, chunks its text, and runs every chunk
// through the underlying GraphBuilder, merging results.
func (d *DocumentBuilder) BuildFromDocument(ctx context.Context, path string, metadata map[string]string, entityTypes, relationTypes []string, progress ProgressFunc) (*DocumentBuildResult, error) {
	start := time.Now()

	text, err := d.Parser.Parse(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("builder: parsing document %q: %w", path, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, &ErrEmptyDocument{Path: path}
	}

	docType := detectDocumentType(path)

	var chunks []chunk.Chunk
	if d.Config.ChunkConfig.ChunkSize > 0 && len(text) > d.Config.ChunkConfig.ChunkSize {
		chunks, err = chunk.Split(text, d.Config.ChunkConfig, nil)
		if err != nil {
			return nil, fmt.Errorf("builder: chunking document %q: %w", path, err)
		}
	}
	if len(chunks) == 0 {
		chunks = []chunk.Chunk{{Text: text, Start: 0, End: len(text), Index: 0}}
	}

	result := &DocumentBuildResult{DocumentType: docType, ChunkCount: len(chunks)}
	chunkResults := make([]*BuildResult, len(chunks))

	run := func(i int) {
		c := chunks[i]
		chunkMeta := make(map[string]string, len(metadata)+2)
		for k, v := range metadata {
			chunkMeta[k] = v
		}
		chunkMeta["document"] = path
		chunkMeta["chunk_index"] = fmt.Sprintf("%d", c.Index)

		r, _ := d.Builder.BuildFromText(ctx, c.Text, path, chunkMeta, entityTypes, relationTypes, progress)
		chunkResults[i] = r
	}

	if d.Config.Parallel {
		concurrency.RunBounded(len(chunks), d.Config.MaxParallel, run)
	} else {
		concurrency.RunSequential(len(chunks), run)
	}

	for _, r := range chunkResults {
		result.ChunkResults = append(result.ChunkResults, r)
		if r == nil {
			continue
		}
		if r.Success {
			result.Success = true
		}
		result.TotalEntitiesAdded += r.EntitiesAdded
		result.TotalRelationsAdded += r.RelationsAdded
		result.TotalEntitiesLinked += r.EntitiesLinked
		result.Warnings = append(result.Warnings, r.Warnings...)
		result.Errors = append(result.Errors, r.Errors...)
	}

	result.Duration = time.Since(start)
	return result, nil
}
