package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"leaveamark.com/rag-server/internal/logger"
)

// hnsw.ef_search accepts values up to 1000.
const maxEfSearch = 1000

// PostgresStore stores embeddings in a pgvector column with an HNSW cosine
// index and implements VectorSearcher.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
	log  *logger.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, dim int, log *logger.Logger) (*PostgresStore, error) {
	if log == nil {
		log = logger.NewNop()
	}

	// The extension must exist before pool connections can register the vector type.
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool, dim: dim, log: log}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Info("Postgres store ready", "embeddingDim", dim)
	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS documents (
        id TEXT PRIMARY KEY,
        filename TEXT NOT NULL,
        original_name TEXT NOT NULL,
        mime_type TEXT NOT NULL,
        size BIGINT NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('processing', 'ready', 'error')),
        error_message TEXT,
        chunk_count INTEGER NOT NULL DEFAULT 0,
        blob_key TEXT,
        uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );

    CREATE TABLE IF NOT EXISTS chunks (
        id TEXT PRIMARY KEY,
        document_id TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding vector(%d),
        chunk_index INTEGER NOT NULL,
        metadata JSONB,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );

    CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks (document_id);
    CREATE INDEX IF NOT EXISTS idx_chunks_embedding_hnsw ON chunks USING hnsw (embedding vector_cosine_ops);
    `, s.dim)
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Document methods
func (s *PostgresStore) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	if doc.Status == "" {
		doc.Status = StatusProcessing
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO documents
        (id, filename, original_name, mime_type, size, status, error_message, chunk_count, blob_key, uploaded_at)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10)`,
		doc.ID, doc.Filename, doc.OriginalName, doc.MimeType, doc.Size,
		string(doc.Status), doc.ErrorMessage, doc.ChunkCount, doc.BlobKey, doc.UploadedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

const pgDocumentColumns = `id, filename, original_name, mime_type, size, status,
    COALESCE(error_message, ''), chunk_count, COALESCE(blob_key, ''), uploaded_at`

func scanPGDocument(row pgx.Row) (*Document, error) {
	var doc Document
	var status string
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.OriginalName, &doc.MimeType, &doc.Size,
		&status, &doc.ErrorMessage, &doc.ChunkCount, &doc.BlobKey, &doc.UploadedAt); err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	return &doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc, err := scanPGDocument(s.pool.QueryRow(ctx, "SELECT "+pgDocumentColumns+" FROM documents WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+pgDocumentColumns+" FROM documents ORDER BY uploaded_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanPGDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) GetDocumentsByIDs(ctx context.Context, ids []string) (map[string]Document, error) {
	found := make(map[string]Document, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	rows, err := s.pool.Query(ctx, "SELECT "+pgDocumentColumns+" FROM documents WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanPGDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		found[doc.ID] = *doc
	}
	return found, rows.Err()
}

func (s *PostgresStore) MarkDocumentReady(ctx context.Context, id string, chunkCount int) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE documents SET status = $1, chunk_count = $2, error_message = NULL WHERE id = $3 AND status = $4",
		string(StatusReady), chunkCount, id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark document ready: %w", err)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id)
}

func (s *PostgresStore) MarkDocumentError(ctx context.Context, id string, message string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE documents SET status = $1, error_message = $2 WHERE id = $3 AND status = $4",
		string(StatusError), message, id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark document error: %w", err)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id)
}

func (s *PostgresStore) checkTransition(ctx context.Context, affected int64, id string) error {
	if affected > 0 {
		return nil
	}
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("document %s is %s: %w", id, doc.Status, ErrInvalidTransition)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM documents WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Chunk methods
func (s *PostgresStore) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chunk insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.insertChunksTx(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk insert: %w", err)
	}
	return nil
}

// ReplaceChunks swaps a document's chunks for the given set in one
// transaction, so a rejected insert keeps the old chunks.
func (s *PostgresStore) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chunk replace: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", documentID); err != nil {
		return fmt.Errorf("failed to delete chunks for document %s: %w", documentID, err)
	}
	if err := s.insertChunksTx(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk replace: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertChunksTx(ctx context.Context, tx pgx.Tx, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i := range chunks {
		c := &chunks[i]
		if len(c.Embedding) != s.dim {
			return fmt.Errorf("chunk %d has %d dimensions, column expects %d", c.ChunkIndex, len(c.Embedding), s.dim)
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		batch.Queue(`INSERT INTO chunks (id, document_id, content, embedding, chunk_index, metadata, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.DocumentID, c.Content, pgvector.NewVector(c.Embedding), c.ChunkIndex, c.Metadata, c.CreatedAt)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, document_id, content, embedding, chunk_index, metadata, created_at FROM chunks ORDER BY document_id, chunk_index")
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanPGChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

func scanPGChunk(row pgx.Row, extra ...any) (*Chunk, error) {
	var c Chunk
	var vec *pgvector.Vector
	var meta *ChunkMetadata
	dest := append([]any{&c.ID, &c.DocumentID, &c.Content, &vec, &c.ChunkIndex, &meta, &c.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan chunk row: %w", err)
	}
	if vec != nil {
		c.Embedding = vec.Slice()
	}
	if meta != nil {
		c.Metadata = *meta
	}
	return &c, nil
}

func (s *PostgresStore) DeleteChunksByDocument(ctx context.Context, documentID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM chunks WHERE document_id = $1", documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// SearchVectors walks the HNSW index with numCandidates as the search
// breadth and returns the k nearest chunks by cosine similarity.
func (s *PostgresStore) SearchVectors(ctx context.Context, query []float32, numCandidates, k int) ([]ScoredChunk, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("query has %d dimensions, index expects %d", len(query), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	ef := min(max(numCandidates, k), maxEfSearch)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin vector search: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef)); err != nil {
		return nil, fmt.Errorf("failed to set ef_search: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT id, document_id, content, embedding, chunk_index, metadata, created_at,
            1 - (embedding <=> $1) AS score
        FROM chunks
        WHERE embedding IS NOT NULL
        ORDER BY embedding <=> $1
        LIMIT $2`, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var score float64
		c, err := scanPGChunk(rows, &score)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredChunk{Chunk: *c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vector search results: %w", err)
	}
	return results, nil
}
