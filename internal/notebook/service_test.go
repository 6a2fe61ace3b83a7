package notebook

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/chat"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/embeddings"
	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/vectordb"
)

type fakeChunkStore struct {
	added    [][]models.Chunk
	addN     int // inserted count override; -1 means all
	addErr   error
	deletes  []vectordb.Filter
	deleteN  int64
	countN   int
	countErr error
}

func (f *fakeChunkStore) Add(_ context.Context, chunks []models.Chunk) (int, error) {
	if f.addErr != nil {
		return 0, f.addErr
	}
	f.added = append(f.added, chunks)
	if f.addN >= 0 {
		return f.addN, nil
	}
	return len(chunks), nil
}

func (f *fakeChunkStore) DeleteBy(_ context.Context, filter vectordb.Filter) (int64, error) {
	f.deletes = append(f.deletes, filter)
	return f.deleteN, nil
}

func (f *fakeChunkStore) CountBy(_ context.Context, _ vectordb.Filter) (int, error) {
	return f.countN, f.countErr
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string, _ string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeAppStore struct {
	notebooks map[string]string // id -> owner
	deleted   []string
	recent    []models.ConversationMessage
}

func (f *fakeAppStore) GetNotebook(_ context.Context, id, userID string) (*models.Notebook, error) {
	owner, ok := f.notebooks[id]
	if !ok || owner != userID {
		return nil, apperr.New(apperr.NotFound, "notebook %s not found", id)
	}
	return &models.Notebook{ID: id, UserID: userID}, nil
}

func (f *fakeAppStore) DeleteNotebook(_ context.Context, id, _ string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAppStore) RecentMessages(_ context.Context, _, _ string, _ int) ([]models.ConversationMessage, error) {
	return f.recent, nil
}

type fakeChatLLM struct {
	condensed string
	tokens    []string
	condenses int
}

func (f *fakeChatLLM) Model() string { return "test-model" }

func (f *fakeChatLLM) CompleteText(_ context.Context, _, _ string) (string, error) {
	f.condenses++
	return f.condensed, nil
}

func (f *fakeChatLLM) StreamComplete(_ context.Context, _ llm.Request) (*llm.Stream, error) {
	tokens := make(chan string, len(f.tokens))
	for _, t := range f.tokens {
		tokens <- t
	}
	close(tokens)
	errCh := make(chan error, 1)
	close(errCh)
	usage := make(chan models.TokenUsage)
	close(usage)
	return &llm.Stream{Tokens: tokens, Err: errCh, Usage: usage}, nil
}

type fakeChatRetriever struct {
	chunks  []models.ScoredChunk
	filters []vectordb.Filter
}

func (f *fakeChatRetriever) Retrieve(_ context.Context, _ string, filter vectordb.Filter) ([]models.ScoredChunk, error) {
	f.filters = append(f.filters, filter)
	return f.chunks, nil
}

func (f *fakeChatRetriever) Strategy() string { return "hybrid" }

func smallChunking() embeddings.ChunkingConfig {
	return embeddings.ChunkingConfig{Enabled: true, MaxTokens: 50, OverlapTokens: 10, MinChunkTokens: 5}
}

func newTestService(t *testing.T, store *fakeChunkStore, db AppStore, retriever *fakeChatRetriever, chatLLM *fakeChatLLM) *Service {
	t.Helper()
	if retriever == nil {
		retriever = &fakeChatRetriever{}
	}
	if chatLLM == nil {
		chatLLM = &fakeChatLLM{tokens: []string{"answer"}}
	}
	return NewService(Deps{
		Chat:     config.ChatConfig{MemoryTokenLimit: 1000, CondenseEnabled: true},
		Chunking: smallChunking(),
		Store:    store,
		Embedder: &fakeEmbedder{},
		DB:       db,
		Engine:   chat.Deps{Retriever: retriever, LLM: chatLLM},
		Logger:   zap.NewNop(),
	})
}

func TestIngestTextSingleChunk(t *testing.T) {
	store := &fakeChunkStore{addN: -1}
	svc := newTestService(t, store, nil, nil, nil)

	res, err := svc.IngestText(context.Background(), "nb-1", "u1", "notes.txt", "a short document")
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Chunks != 1 || res.Added != 1 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.SourceID == "" {
		t.Error("expected a source id")
	}
	if len(store.added) != 1 || len(store.added[0]) != 1 {
		t.Fatalf("stored batches = %+v", store.added)
	}
	c := store.added[0][0]
	if c.Text != "a short document" {
		t.Errorf("text = %q", c.Text)
	}
	for _, key := range []string{"notebook_id", "source_id", "user_id", "file_name", "file_hash", "file_size", "uploaded_at", "chunk_index", "chunk_total"} {
		if _, ok := c.Metadata[key]; !ok {
			t.Errorf("metadata missing %q", key)
		}
	}
	if c.Metadata["notebook_id"] != "nb-1" || c.Metadata["source_id"] != res.SourceID {
		t.Errorf("metadata = %+v", c.Metadata)
	}
}

func TestIngestTextSplitsLongDocument(t *testing.T) {
	store := &fakeChunkStore{addN: -1}
	svc := newTestService(t, store, nil, nil, nil)

	long := strings.Repeat("lorem ipsum dolor sit amet ", 40) // ~200 words
	res, err := svc.IngestText(context.Background(), "nb-1", "u1", "big.txt", long)
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Chunks < 2 {
		t.Fatalf("chunks = %d, want a split", res.Chunks)
	}
	chunks := store.added[0]
	source := chunks[0].Metadata["source_id"]
	for i, c := range chunks {
		if c.Metadata["source_id"] != source {
			t.Errorf("chunk %d has a different source_id", i)
		}
		if c.Metadata["chunk_index"] != i {
			t.Errorf("chunk %d index = %v", i, c.Metadata["chunk_index"])
		}
		if len(c.Embedding) == 0 {
			t.Errorf("chunk %d missing embedding", i)
		}
	}
}

func TestIngestTextReportsDedup(t *testing.T) {
	store := &fakeChunkStore{addN: 0}
	svc := newTestService(t, store, nil, nil, nil)

	res, err := svc.IngestText(context.Background(), "nb-1", "u1", "dup.txt", "already stored text")
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Added != 0 || res.Skipped != 1 {
		t.Errorf("result = %+v, want all skipped", res)
	}
}

func TestIngestTextValidation(t *testing.T) {
	svc := newTestService(t, &fakeChunkStore{addN: -1}, nil, nil, nil)

	if _, err := svc.IngestText(context.Background(), "", "u1", "f", "text"); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("empty notebook err = %v", err)
	}
	if _, err := svc.IngestText(context.Background(), "nb-1", "u1", "f", "   "); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("empty text err = %v", err)
	}
}

func TestIngestTextEmbeddingFailure(t *testing.T) {
	store := &fakeChunkStore{addN: -1}
	svc := newTestService(t, store, nil, nil, nil)
	svc.embedder = &fakeEmbedder{err: errors.New("embedding service down")}

	_, err := svc.IngestText(context.Background(), "nb-1", "u1", "f", "some text")
	if !apperr.IsKind(err, apperr.ExternalService) {
		t.Errorf("err = %v, want ExternalService", err)
	}
	if len(store.added) != 0 {
		t.Error("nothing should be stored when embedding fails")
	}
}

func TestDeleteDocumentScopesFilter(t *testing.T) {
	store := &fakeChunkStore{addN: -1, deleteN: 3}
	svc := newTestService(t, store, nil, nil, nil)

	n, err := svc.DeleteDocument(context.Background(), "nb-1", "u1", "src-9")
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	if len(store.deletes) != 1 {
		t.Fatalf("deletes = %+v", store.deletes)
	}
	f := store.deletes[0]
	if f["notebook_id"] != "nb-1" || f["source_id"] != "src-9" {
		t.Errorf("filter = %+v, want notebook and source scope", f)
	}
}

func TestDeleteNotebookCascades(t *testing.T) {
	store := &fakeChunkStore{addN: -1, deleteN: 12}
	db := &fakeAppStore{notebooks: map[string]string{"nb-1": "u1"}}
	svc := newTestService(t, store, db, nil, nil)

	n, err := svc.DeleteNotebook(context.Background(), "nb-1", "u1")
	if err != nil {
		t.Fatalf("DeleteNotebook: %v", err)
	}
	if n != 12 {
		t.Errorf("deleted chunks = %d", n)
	}
	if len(db.deleted) != 1 || db.deleted[0] != "nb-1" {
		t.Errorf("store deletions = %v", db.deleted)
	}
}

func TestDeleteNotebookChecksOwnership(t *testing.T) {
	store := &fakeChunkStore{addN: -1}
	db := &fakeAppStore{notebooks: map[string]string{"nb-1": "someone-else"}}
	svc := newTestService(t, store, db, nil, nil)

	_, err := svc.DeleteNotebook(context.Background(), "nb-1", "u1")
	if !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
	if len(store.deletes) != 0 {
		t.Error("no chunks should be deleted for a foreign notebook")
	}
}

func TestConversationsWithoutStore(t *testing.T) {
	svc := newTestService(t, &fakeChunkStore{addN: -1}, nil, nil, nil)
	msgs, err := svc.Conversations(context.Background(), "nb-1", "u1", 50)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("msgs = %v, want empty non-nil", msgs)
	}
}

func manyChunks(n int) []models.ScoredChunk {
	out := make([]models.ScoredChunk, n)
	for i := range out {
		out[i] = models.ScoredChunk{
			Chunk: models.Chunk{ChunkID: string(rune('a' + i)), Text: "chunk"},
			Score: 1 - float64(i)/10,
		}
	}
	return out
}

func TestQueryReturnsAnswerWithCappedSources(t *testing.T) {
	retriever := &fakeChatRetriever{chunks: manyChunks(8)}
	svc := newTestService(t, &fakeChunkStore{addN: -1}, nil, retriever, &fakeChatLLM{tokens: []string{"the ", "answer"}})

	answer, err := svc.Query(context.Background(), "u1", QueryRequest{
		NotebookID: "nb-1",
		Query:      "what does the document actually say about this topic",
		MaxSources: 2,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if answer.Response != "the answer" {
		t.Errorf("response = %q", answer.Response)
	}
	if len(answer.Sources) != 2 {
		t.Errorf("sources = %d, want capped at 2", len(answer.Sources))
	}
	if len(retriever.filters) != 1 || retriever.filters[0]["notebook_id"] != "nb-1" {
		t.Errorf("retrieval filter = %+v", retriever.filters)
	}
}

func TestQueryExcludesSourcesWhenAsked(t *testing.T) {
	retriever := &fakeChatRetriever{chunks: manyChunks(3)}
	svc := newTestService(t, &fakeChunkStore{addN: -1}, nil, retriever, nil)

	no := false
	answer, err := svc.Query(context.Background(), "u1", QueryRequest{
		NotebookID:     "nb-1",
		Query:          "tell me about the topic covered in these documents",
		IncludeSources: &no,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if answer.Sources != nil {
		t.Errorf("sources = %v, want none", answer.Sources)
	}
}

func TestQueryValidation(t *testing.T) {
	svc := newTestService(t, &fakeChunkStore{addN: -1}, nil, nil, nil)

	if _, err := svc.Query(context.Background(), "u1", QueryRequest{Query: "q"}); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("missing notebook err = %v", err)
	}
	if _, err := svc.Query(context.Background(), "u1", QueryRequest{NotebookID: "nb-1"}); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("missing query err = %v", err)
	}
}

func TestQuerySwitchesNotebooks(t *testing.T) {
	retriever := &fakeChatRetriever{}
	svc := newTestService(t, &fakeChunkStore{addN: -1}, nil, retriever, nil)

	ctx := context.Background()
	if _, err := svc.Query(ctx, "u1", QueryRequest{NotebookID: "nb-1", Query: "first question about the initial notebook contents"}); err != nil {
		t.Fatalf("Query nb-1: %v", err)
	}
	if _, err := svc.Query(ctx, "u1", QueryRequest{NotebookID: "nb-2", Query: "second question about the other notebook contents now"}); err != nil {
		t.Fatalf("Query nb-2: %v", err)
	}
	if len(retriever.filters) != 2 {
		t.Fatalf("filters = %+v", retriever.filters)
	}
	if retriever.filters[0]["notebook_id"] != "nb-1" || retriever.filters[1]["notebook_id"] != "nb-2" {
		t.Errorf("filters = %+v, want notebook switch reflected", retriever.filters)
	}
}

func TestSessionScopedMemoryIsolation(t *testing.T) {
	chatLLM := &fakeChatLLM{condensed: "standalone question", tokens: []string{"ok"}}
	svc := newTestService(t, &fakeChunkStore{addN: -1}, nil, nil, chatLLM)

	ctx := context.Background()
	// Build history in session A.
	if _, err := svc.Query(ctx, "u1", QueryRequest{NotebookID: "nb-1", SessionID: "a", Query: "what were the revenue figures during twenty twenty four"}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	// A short follow-up in a fresh session has no history, so the
	// condense step must not fire.
	if _, err := svc.Query(ctx, "u1", QueryRequest{NotebookID: "nb-1", SessionID: "b", Query: "and them?"}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if chatLLM.condenses != 0 {
		t.Fatalf("condenses = %d, want 0 for isolated session", chatLLM.condenses)
	}
	// The same follow-up in session A sees history and condenses.
	if _, err := svc.Query(ctx, "u1", QueryRequest{NotebookID: "nb-1", SessionID: "a", Query: "and them?"}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if chatLLM.condenses != 1 {
		t.Errorf("condenses = %d, want 1", chatLLM.condenses)
	}
}

func TestStreamQueryCapsSourcesOnDone(t *testing.T) {
	retriever := &fakeChatRetriever{chunks: manyChunks(8)}
	svc := newTestService(t, &fakeChunkStore{addN: -1}, nil, retriever, &fakeChatLLM{tokens: []string{"a", "b"}})

	st, err := svc.StreamQuery(context.Background(), "u1", QueryRequest{
		NotebookID: "nb-1",
		Query:      "a streaming question about the notebook documents here",
		MaxSources: 3,
	})
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	if len(st.Sources) != 3 {
		t.Errorf("stream sources = %d, want 3", len(st.Sources))
	}
	var got strings.Builder
	for tok := range st.Tokens {
		got.WriteString(tok)
	}
	if err := <-st.Err; err != nil {
		t.Fatalf("stream err: %v", err)
	}
	answer := <-st.Done
	if answer == nil {
		t.Fatal("expected final answer")
	}
	if got.String() != "ab" || answer.Response != "ab" {
		t.Errorf("tokens = %q, response = %q", got.String(), answer.Response)
	}
	if len(answer.Sources) != 3 {
		t.Errorf("answer sources = %d, want 3", len(answer.Sources))
	}
}
