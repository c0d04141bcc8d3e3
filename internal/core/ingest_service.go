package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"leaveamark.com/rag-server/internal/blob"
	"leaveamark.com/rag-server/internal/chunker"
	"leaveamark.com/rag-server/internal/extract"
	"leaveamark.com/rag-server/internal/logger"
	"leaveamark.com/rag-server/internal/store"
)

const defaultIngestTimeout = 10 * time.Minute

// Upload is a file received for ingestion.
type Upload struct {
	Data     []byte
	Filename string
	MimeType string
}

// ChunkEmbedder is satisfied by embedding.Client.
type ChunkEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type TextExtractor interface {
	Extract(ctx context.Context, data []byte, filename, mimeType string) (*extract.Result, error)
}

type IngestOptions struct {
	Chunking chunker.Options
	// Pacing is the minimum gap between two embedding calls. Zero disables it.
	Pacing time.Duration
	// Timeout bounds a background ingestion started by IngestAsync.
	Timeout time.Duration
}

// IngestService runs uploads through extract, chunk, embed and persist, and
// records the outcome on the document.
type IngestService struct {
	store     store.Store
	blobs     blob.Store
	extractor TextExtractor
	embedder  ChunkEmbedder
	opts      IngestOptions
	limiter   *rate.Limiter
	log       *logger.Logger
	wg        sync.WaitGroup
}

// NewIngestService builds the service. blobs may be nil, in which case
// originals are not kept.
func NewIngestService(s store.Store, blobs blob.Store, extractor TextExtractor, embedder ChunkEmbedder, opts IngestOptions, log *logger.Logger) *IngestService {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultIngestTimeout
	}
	limit := rate.Inf
	if opts.Pacing > 0 {
		limit = rate.Every(opts.Pacing)
	}
	return &IngestService{
		store:     s,
		blobs:     blobs,
		extractor: extractor,
		embedder:  embedder,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		log:       log.With("service", "IngestService"),
	}
}

// Ingest processes the upload synchronously. Pipeline failures are recorded
// on the returned document and do not produce an error; only an unsupported
// type or a failure to create the record does.
func (s *IngestService) Ingest(ctx context.Context, up Upload) (*store.Document, error) {
	doc, err := s.begin(ctx, up)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, doc, up)
}

// IngestAsync creates the document and returns it in processing state. The
// pipeline continues in the background, detached from ctx cancellation and
// bounded by the configured timeout.
func (s *IngestService) IngestAsync(ctx context.Context, up Upload) (*store.Document, error) {
	doc, err := s.begin(ctx, up)
	if err != nil {
		return nil, err
	}

	snapshot := *doc
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()
		if _, err := s.finish(bgCtx, doc, up); err != nil {
			s.log.Error("Background ingestion could not record its outcome", "documentID", doc.ID, "filename", doc.OriginalName, "error", err)
		}
	}()
	return &snapshot, nil
}

// Wait blocks until every background ingestion has finished.
func (s *IngestService) Wait() {
	s.wg.Wait()
}

func (s *IngestService) begin(ctx context.Context, up Upload) (*store.Document, error) {
	if !extract.IsSupported(up.Filename, up.MimeType) {
		return nil, &extract.UnsupportedFileTypeError{MimeType: up.MimeType, Ext: strings.ToLower(path.Ext(up.Filename))}
	}

	doc := &store.Document{
		ID:           uuid.NewString(),
		Filename:     up.Filename,
		OriginalName: up.Filename,
		MimeType:     up.MimeType,
		Size:         int64(len(up.Data)),
		Status:       store.StatusProcessing,
	}

	if s.blobs != nil {
		key := path.Join("documents", doc.ID, path.Base(up.Filename))
		if err := s.blobs.Put(ctx, key, up.Data, up.MimeType); err != nil {
			s.log.Warn("Failed to store original, continuing without it", "documentID", doc.ID, "filename", up.Filename, "error", err)
		} else {
			doc.BlobKey = key
		}
	}

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		if doc.BlobKey != "" {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if delErr := s.blobs.Delete(cleanupCtx, doc.BlobKey); delErr != nil {
				s.log.Warn("Failed to remove orphaned original", "documentID", doc.ID, "key", doc.BlobKey, "error", delErr)
			}
		}
		return nil, fmt.Errorf("failed to create document for %s: %w", up.Filename, err)
	}
	s.log.Info("Document created", "documentID", doc.ID, "filename", doc.OriginalName, "bytes", doc.Size)
	return doc, nil
}

// finish runs the pipeline and moves the document to its terminal state.
func (s *IngestService) finish(ctx context.Context, doc *store.Document, up Upload) (*store.Document, error) {
	log := s.log.With("documentID", doc.ID, "filename", doc.OriginalName)

	count, err := s.process(ctx, doc, up, log)
	if err != nil {
		return s.fail(ctx, doc, err, log)
	}

	if err := s.store.MarkDocumentReady(ctx, doc.ID, count); err != nil {
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		// The transition may have committed before the error surfaced.
		if cur, getErr := s.store.GetDocument(markCtx, doc.ID); getErr == nil && cur.Status == store.StatusReady {
			return cur, nil
		}
		if _, delErr := s.store.DeleteChunksByDocument(markCtx, doc.ID); delErr != nil {
			log.Warn("Failed to remove chunks of unfinished document", "error", delErr)
		}
		return s.fail(ctx, doc, fmt.Errorf("mark ready: %w", err), log)
	}
	doc.Status = store.StatusReady
	doc.ChunkCount = count
	log.Info("Document ready", "chunks", count)
	return doc, nil
}

// fail records cause on the document. The pipeline context may be the reason
// we failed, so the write uses a detached one.
func (s *IngestService) fail(ctx context.Context, doc *store.Document, cause error, log *logger.Logger) (*store.Document, error) {
	log.Error("Ingestion failed", "error", cause)
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.MarkDocumentError(markCtx, doc.ID, cause.Error()); err != nil {
		return nil, fmt.Errorf("document %s: failed to record error: %w", doc.ID, err)
	}
	doc.Status = store.StatusError
	doc.ErrorMessage = cause.Error()
	return doc, nil
}

// process is all-or-nothing: chunks are written in one batch after every
// embedding succeeded, so a failure leaves nothing persisted.
func (s *IngestService) process(ctx context.Context, doc *store.Document, up Upload, log *logger.Logger) (int, error) {
	extracted, err := s.extractor.Extract(ctx, up.Data, up.Filename, up.MimeType)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}
	log.Debug("Extracted text", "chars", len(extracted.Text))

	opts := s.opts.Chunking
	opts.SourceFile = doc.OriginalName
	textChunks := chunker.Chunk(extracted.Text, opts)
	log.Debug("Chunked text", "chunks", len(textChunks))

	chunks := make([]store.Chunk, 0, len(textChunks))
	for i, tc := range textChunks {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("embed chunk %d/%d: %w", i+1, len(textChunks), err)
		}
		vec, err := s.embedder.Embed(ctx, tc.Content)
		if err != nil {
			return 0, fmt.Errorf("embed chunk %d/%d: %w", i+1, len(textChunks), err)
		}
		chunks = append(chunks, store.Chunk{
			DocumentID: doc.ID,
			Content:    tc.Content,
			Embedding:  vec,
			ChunkIndex: tc.Index,
			Metadata: store.ChunkMetadata{
				StartChar:  tc.Metadata.StartChar,
				EndChar:    tc.Metadata.EndChar,
				SourceFile: tc.Metadata.SourceFile,
				PageCount:  extracted.Metadata.PageCount,
				SlideCount: extracted.Metadata.SlideCount,
			},
		})
		if (i+1)%10 == 0 || i+1 == len(textChunks) {
			log.Debug("Embedded chunks", "done", i+1, "total", len(textChunks))
		}
	}

	if err := s.store.InsertChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("persist chunks: %w", err)
	}
	return len(chunks), nil
}

// Delete removes the document's chunks, its stored original and then the record.
func (s *IngestService) Delete(ctx context.Context, id string) error {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	removed, err := s.store.DeleteChunksByDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("document %s: %w", id, err)
	}

	if doc.BlobKey != "" && s.blobs != nil {
		if err := s.blobs.Delete(ctx, doc.BlobKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
			s.log.Warn("Failed to delete stored original", "documentID", id, "key", doc.BlobKey, "error", err)
		}
	}

	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	s.log.Info("Document deleted", "documentID", id, "filename", doc.OriginalName, "chunks", removed)
	return nil
}

func (s *IngestService) List(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

func (s *IngestService) Get(ctx context.Context, id string) (*store.Document, error) {
	return s.store.GetDocument(ctx, id)
}

// Original returns the document and the bytes it was uploaded with.
func (s *IngestService) Original(ctx context.Context, id string) (*store.Document, []byte, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if doc.BlobKey == "" || s.blobs == nil {
		return doc, nil, fmt.Errorf("document %s has no stored original: %w", id, blob.ErrNotFound)
	}
	data, err := s.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return doc, nil, err
	}
	return doc, data, nil
}

// Reembed recomputes the embeddings of every stored chunk, one document at a
// time, and swaps that document's chunks in a single transaction. It is used after
// switching embedding models. It returns the number of chunks rewritten.
func (s *IngestService) Reembed(ctx context.Context) (int, error) {
	all, err := s.store.ListChunks(ctx)
	if err != nil {
		return 0, err
	}

	byDoc := map[string][]store.Chunk{}
	var order []string
	for _, c := range all {
		if _, ok := byDoc[c.DocumentID]; !ok {
			order = append(order, c.DocumentID)
		}
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
	}

	total := 0
	for _, docID := range order {
		chunks := byDoc[docID]
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}

		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("document %s: %w", docID, err)
		}
		for i := range chunks {
			chunks[i].Embedding = vecs[i]
		}

		if err := s.store.ReplaceChunks(ctx, docID, chunks); err != nil {
			return total, fmt.Errorf("document %s: %w", docID, err)
		}
		total += len(chunks)
		s.log.Info("Re-embedded document", "documentID", docID, "chunks", len(chunks))
	}
	return total, nil
}
