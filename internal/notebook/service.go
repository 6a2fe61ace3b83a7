// Package notebook manages notebook content end to end: plain-text
// ingestion (chunk, embed, store with silent dedup), document and
// notebook deletion, stored conversations, and the conversational RAG
// query path over per-user chat engines.
package notebook

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/chat"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/embeddings"
	"github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/vectordb"
)

// ChunkStore is the slice of the vector store the service needs.
type ChunkStore interface {
	Add(ctx context.Context, chunks []models.Chunk) (int, error)
	DeleteBy(ctx context.Context, filter vectordb.Filter) (int64, error)
	CountBy(ctx context.Context, filter vectordb.Filter) (int, error)
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// AppStore persists notebooks and conversations. Nil runs without
// persistence: deletes only touch chunks and conversation reads come
// back empty.
type AppStore interface {
	GetNotebook(ctx context.Context, id, userID string) (*models.Notebook, error)
	DeleteNotebook(ctx context.Context, id, userID string) error
	RecentMessages(ctx context.Context, notebookID, userID string, limit int) ([]models.ConversationMessage, error)
}

// Deps collects the service's collaborators.
type Deps struct {
	Chat     config.ChatConfig
	Chunking embeddings.ChunkingConfig
	Store    ChunkStore
	Embedder Embedder
	DB       AppStore  // optional
	Engine   chat.Deps // retriever/router/LLM/store for chat engines
	Logger   *zap.Logger
}

// Service owns ingestion, deletion, and the chat engines.
type Service struct {
	cfg      config.ChatConfig
	store    ChunkStore
	embedder Embedder
	chunker  *embeddings.Chunker
	db       AppStore
	logger   *zap.Logger

	engines *engineCache
}

// NewService wires the notebook service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      d.Chat,
		store:    d.Store,
		embedder: d.Embedder,
		chunker:  embeddings.NewChunker(d.Chunking),
		db:       d.DB,
		logger:   logger,
		engines:  newEngineCache(d.Chat, d.Engine, logger),
	}
}

// IngestResult reports what one document ingestion stored.
type IngestResult struct {
	SourceID string `json:"source_id"`
	FileName string `json:"file_name,omitempty"`
	Chunks   int    `json:"chunks"`
	Added    int    `json:"added"`
	Skipped  int    `json:"skipped"`
}

// IngestText splits a document into overlapping chunks, embeds them, and
// stores them under the notebook. Chunks whose (md5(text), notebook_id)
// already exists are silently skipped and reported in Skipped.
func (s *Service) IngestText(ctx context.Context, notebookID, userID, fileName, text string) (*IngestResult, error) {
	if notebookID == "" {
		return nil, apperr.New(apperr.Validation, "notebook_id must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.Validation, "document text must not be empty")
	}

	pieces := s.chunker.ChunkText(text)
	var texts []string
	if len(pieces) == 0 {
		// Fits in one chunk.
		texts = []string{text}
	} else {
		texts = make([]string, len(pieces))
		for i, p := range pieces {
			texts[i] = p.Text
		}
	}

	vecs, err := s.embedder.GenerateBatchEmbeddings(ctx, texts, "")
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "embedding the document failed")
	}
	if len(vecs) != len(texts) {
		return nil, apperr.New(apperr.ExternalService,
			"embedding service returned %d vectors for %d chunks", len(vecs), len(texts))
	}

	sourceID := uuid.New().String()
	sum := md5.Sum([]byte(text))
	fileHash := hex.EncodeToString(sum[:])
	uploadedAt := time.Now().UTC().Format(time.RFC3339)

	chunks := make([]models.Chunk, len(texts))
	for i := range texts {
		chunks[i] = models.Chunk{
			ChunkID:   uuid.New().String(),
			Text:      texts[i],
			Embedding: vecs[i],
			Metadata: map[string]interface{}{
				"notebook_id": notebookID,
				"source_id":   sourceID,
				"user_id":     userID,
				"file_name":   fileName,
				"file_hash":   fileHash,
				"file_size":   len(text),
				"uploaded_at": uploadedAt,
				"chunk_index": i,
				"chunk_total": len(texts),
			},
		}
	}

	added, err := s.store.Add(ctx, chunks)
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "storing document chunks failed")
	}
	skipped := len(chunks) - added
	metrics.ChunksInserted.Add(float64(added))
	metrics.ChunksDeduplicated.Add(float64(skipped))

	s.logger.Info("document ingested",
		zap.String("notebook_id", notebookID),
		zap.String("source_id", sourceID),
		zap.String("file_name", fileName),
		zap.Int("chunks", len(chunks)),
		zap.Int("added", added),
		zap.Int("skipped", skipped),
	)
	return &IngestResult{
		SourceID: sourceID,
		FileName: fileName,
		Chunks:   len(chunks),
		Added:    added,
		Skipped:  skipped,
	}, nil
}

// DeleteDocument removes every chunk a single ingestion stored. The
// notebook scope keeps one user's source ids from reaching another's
// chunks.
func (s *Service) DeleteDocument(ctx context.Context, notebookID, userID, sourceID string) (int64, error) {
	if sourceID == "" {
		return 0, apperr.New(apperr.Validation, "source_id must not be empty")
	}
	if err := s.checkOwnership(ctx, notebookID, userID); err != nil {
		return 0, err
	}

	n, err := s.store.DeleteBy(ctx, vectordb.Filter{
		"notebook_id": notebookID,
		"source_id":   sourceID,
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.ExternalService, err, "deleting document chunks failed")
	}
	s.logger.Info("document deleted",
		zap.String("notebook_id", notebookID),
		zap.String("source_id", sourceID),
		zap.Int64("chunks", n))
	return n, nil
}

// DeleteNotebook removes the notebook's chunks and, when a store is
// configured, the notebook row and its conversation history.
func (s *Service) DeleteNotebook(ctx context.Context, notebookID, userID string) (int64, error) {
	if err := s.checkOwnership(ctx, notebookID, userID); err != nil {
		return 0, err
	}

	n, err := s.store.DeleteBy(ctx, vectordb.Filter{"notebook_id": notebookID})
	if err != nil {
		return 0, apperr.Wrap(apperr.ExternalService, err, "deleting notebook chunks failed")
	}
	if s.db != nil {
		if err := s.db.DeleteNotebook(ctx, notebookID, userID); err != nil {
			return n, err
		}
	}
	s.logger.Info("notebook deleted",
		zap.String("notebook_id", notebookID),
		zap.Int64("chunks", n))
	return n, nil
}

// Conversations returns the notebook's stored messages, oldest first.
// Without a store there is nothing persisted, so the list is empty.
func (s *Service) Conversations(ctx context.Context, notebookID, userID string, limit int) ([]models.ConversationMessage, error) {
	if s.db == nil {
		return []models.ConversationMessage{}, nil
	}
	if err := s.checkOwnership(ctx, notebookID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.db.RecentMessages(ctx, notebookID, userID, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.ConversationMessage{}
	}
	return msgs, nil
}

// ChunkCount reports how many chunks a notebook holds.
func (s *Service) ChunkCount(ctx context.Context, notebookID string) (int, error) {
	return s.store.CountBy(ctx, vectordb.Filter{"notebook_id": notebookID})
}

// Close flushes every engine's unsaved conversation turns.
func (s *Service) Close(ctx context.Context) {
	s.engines.flushAll(ctx)
}

// checkOwnership verifies the notebook belongs to the user when notebook
// rows are persisted. Memory-only deployments have no rows to check.
func (s *Service) checkOwnership(ctx context.Context, notebookID, userID string) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.GetNotebook(ctx, notebookID, userID); err != nil {
		return err
	}
	return nil
}
