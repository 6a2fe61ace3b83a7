package httpapi

import (
	"net/http"
	"strconv"

	"github.com/inkwell-ai/inkwell/internal/notebook"
)

// handleRAGQuery answers a question over a notebook's documents.
// POST /api/query
func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	var req notebook.QueryRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, s.logger, err)
		return
	}

	answer, err := s.notebook.Query(r.Context(), s.user(r).UserID, req)
	if err != nil {
		fail(w, s.logger, err)
		return
	}

	ok(w, http.StatusOK, envelope{
		"response": answer.Response,
		"sources":  answer.Sources,
		"metadata": answer.Metadata,
	})
}

type ingestRequest struct {
	FileName string `json:"file_name"`
	Text     string `json:"text"`
}

// handleIngestDocument chunks, embeds, and stores a plain-text document.
// POST /api/notebooks/{notebook_id}/documents
func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	notebookID := r.PathValue("notebook_id")

	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, s.logger, err)
		return
	}

	res, err := s.notebook.IngestText(r.Context(), notebookID, s.user(r).UserID, req.FileName, req.Text)
	if err != nil {
		fail(w, s.logger, err)
		return
	}

	ok(w, http.StatusCreated, envelope{
		"source_id": res.SourceID,
		"file_name": res.FileName,
		"chunks":    res.Chunks,
		"added":     res.Added,
		"skipped":   res.Skipped,
	})
}

// handleDeleteDocument removes one ingested document's chunks.
// DELETE /api/notebooks/{notebook_id}/documents/{source_id}
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.notebook.DeleteDocument(r.Context(),
		r.PathValue("notebook_id"), s.user(r).UserID, r.PathValue("source_id"))
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"deleted_chunks": deleted})
}

// handleDeleteNotebook removes a notebook's chunks and, when persistence
// is configured, its row and conversations.
// DELETE /api/notebooks/{notebook_id}
func (s *Server) handleDeleteNotebook(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.notebook.DeleteNotebook(r.Context(),
		r.PathValue("notebook_id"), s.user(r).UserID)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"deleted_chunks": deleted})
}

// handleConversations lists recent stored conversation turns.
// GET /api/notebooks/{notebook_id}/conversations?limit=
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			failValidation(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.notebook.Conversations(r.Context(),
		r.PathValue("notebook_id"), s.user(r).UserID, limit)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"conversations": msgs})
}
