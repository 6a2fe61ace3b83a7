package embeddings

import (
	"strings"

	"github.com/google/uuid"
)

// ChunkingConfig controls how ingested document text is split before
// embedding.
type ChunkingConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxTokens      int  `yaml:"max_tokens"`
	OverlapTokens  int  `yaml:"overlap_tokens"`
	MinChunkTokens int  `yaml:"min_chunk_tokens"`
}

// DefaultChunkingConfig returns sensible defaults
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Enabled:        true,
		MaxTokens:      1024,
		OverlapTokens:  200,
		MinChunkTokens: 100,
	}
}

// Chunk is one slice of a split document.
type Chunk struct {
	DocID      string // shared id across all chunks of one document
	Text       string // the chunk text
	Index      int    // 0-based chunk position
	TotalCount int    // total number of chunks
}

// Chunker splits document text into overlapping chunks.
type Chunker struct {
	maxTokens      int
	overlapTokens  int
	minChunkTokens int
}

// NewChunker creates a new chunker with the given configuration
func NewChunker(config ChunkingConfig) *Chunker {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	if config.OverlapTokens <= 0 {
		config.OverlapTokens = 200
	}
	if config.OverlapTokens >= config.MaxTokens {
		config.OverlapTokens = config.MaxTokens / 4
	}
	if config.MinChunkTokens <= 0 {
		config.MinChunkTokens = 100
	}

	return &Chunker{
		maxTokens:      config.MaxTokens,
		overlapTokens:  config.OverlapTokens,
		minChunkTokens: config.MinChunkTokens,
	}
}

// ChunkText splits text into overlapping chunks. Returns nil if the text
// fits within maxTokens; callers treat that as "ingest as a single chunk".
// A final fragment shorter than minChunkTokens is merged into the previous
// chunk instead of being emitted on its own.
func (c *Chunker) ChunkText(text string) []Chunk {
	tokens := tokenizeWords(text)

	if len(tokens) <= c.maxTokens {
		return nil
	}

	docID := uuid.New().String()
	chunks := []Chunk{}

	step := c.maxTokens - c.overlapTokens
	if step <= 0 {
		step = c.maxTokens / 2
	}

	for i := 0; i < len(tokens); i += step {
		end := i + c.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		// Tiny tail: extend the previous chunk to the end instead.
		if len(chunks) > 0 && end-i < c.minChunkTokens {
			prev := &chunks[len(chunks)-1]
			prevStart := (len(chunks) - 1) * step
			prev.Text = strings.Join(tokens[prevStart:end], " ")
			break
		}

		chunks = append(chunks, Chunk{
			DocID: docID,
			Text:  strings.Join(tokens[i:end], " "),
			Index: len(chunks),
		})

		if end == len(tokens) {
			break
		}
	}

	for i := range chunks {
		chunks[i].TotalCount = len(chunks)
	}

	return chunks
}

// CountTokens estimates the token count for a given text
func (c *Chunker) CountTokens(text string) int {
	return len(tokenizeWords(text))
}

// tokenizeWords is a whitespace word splitter. Word count under-estimates
// model tokens by roughly 1.3x, which the default budgets absorb.
func tokenizeWords(text string) []string {
	return strings.Fields(text)
}
