package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"leaveamark.com/rag-server/internal/blob"
	"leaveamark.com/rag-server/internal/core"
	"leaveamark.com/rag-server/internal/extract"
	"leaveamark.com/rag-server/internal/logger"
	"leaveamark.com/rag-server/internal/store"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

// DocumentService is satisfied by core.IngestService.
type DocumentService interface {
	IngestAsync(ctx context.Context, up core.Upload) (*store.Document, error)
	List(ctx context.Context) ([]store.Document, error)
	Get(ctx context.Context, id string) (*store.Document, error)
	Delete(ctx context.Context, id string) error
	Original(ctx context.Context, id string) (*store.Document, []byte, error)
}

// ChatStreamer is satisfied by core.ChatService.
type ChatStreamer interface {
	Stream(ctx context.Context, query string, history []core.ChatMessage, emit func(core.Event) error) error
}

// Seeder is satisfied by core.SeedService.
type Seeder interface {
	Seed(ctx context.Context) (core.SeedResult, error)
}

type APIHandler struct {
	documents      DocumentService
	chat           ChatStreamer
	seeder         Seeder
	maxUploadBytes int64
	log            *logger.Logger
}

func NewAPIHandler(documents DocumentService, chat ChatStreamer, seeder Seeder, maxUploadBytes int64, log *logger.Logger) *APIHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &APIHandler{
		documents:      documents,
		chat:           chat,
		seeder:         seeder,
		maxUploadBytes: maxUploadBytes,
		log:            log.With("component", "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// isBodyTooLarge also matches by message because some multipart errors
// flatten the underlying *http.MaxBytesError.
func isBodyTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large")
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) UploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "File exceeds the maximum upload size of "+strconv.FormatInt(h.maxUploadBytes, 10)+" bytes")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	mimeType := extract.DetectMimeType(header.Filename, header.Header.Get("Content-Type"))
	if mimeType == "" {
		writeError(w, http.StatusBadRequest, "Unsupported file type. Allowed: PDF, PPTX, TXT, MD")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.log.Error("Failed to read upload", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read uploaded file")
		return
	}

	doc, err := h.documents.IngestAsync(r.Context(), core.Upload{
		Data:     data,
		Filename: filepath.Base(header.Filename),
		MimeType: mimeType,
	})
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedFileType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("Failed to start ingestion", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to upload document")
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := h.documents.List(r.Context())
	if err != nil {
		h.log.Error("Failed to list documents", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *APIHandler) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")

	doc, err := h.documents.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Document not found")
			return
		}
		h.log.Error("Failed to get document", "documentID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *APIHandler) DownloadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")

	doc, data, err := h.documents.Original(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "File not found")
			return
		}
		h.log.Error("Failed to load original", "documentID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to download document")
		return
	}

	contentType := doc.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.OriginalName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *APIHandler) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")

	if err := h.documents.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Document not found")
			return
		}
		h.log.Error("Failed to delete document", "documentID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete document")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type ChatRequest struct {
	Message string             `json:"message"`
	History []core.ChatMessage `json:"history"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	sse := newSSEWriter(w)
	if err := h.chat.Stream(r.Context(), req.Message, req.History, sse.Send); err != nil {
		// The client is gone; nothing more can be written.
		h.log.Debug("Chat stream ended early", "error", err)
	}
}

func (h *APIHandler) SeedHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.seeder.Seed(r.Context())
	if err != nil {
		if errors.Is(err, core.ErrSeedInProgress) {
			writeError(w, http.StatusConflict, "Seeding is already in progress")
			return
		}
		h.log.Error("Seeding failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to seed documents")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
