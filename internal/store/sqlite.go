package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"leaveamark.com/rag-server/internal/logger"
)

// SQLiteStore keeps embeddings as JSON text and has no native vector index,
// so retrieval over it always takes the brute-force path.
type SQLiteStore struct {
	db  *sql.DB
	log *logger.Logger
}

func NewSQLiteStore(dataSourceName string, log *logger.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logger.NewNop()
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dataSourceName, ":memory:") {
		// Every new connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, log: log}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS documents (
        id TEXT PRIMARY KEY, -- UUID
        filename TEXT NOT NULL,
        original_name TEXT NOT NULL,
        mime_type TEXT NOT NULL,
        size INTEGER NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('processing', 'ready', 'error')),
        error_message TEXT,
        chunk_count INTEGER NOT NULL DEFAULT 0,
        blob_key TEXT,
        uploaded_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chunks (
        id TEXT PRIMARY KEY, -- UUID
        document_id TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT, -- Storing as JSON string of []float32
        chunk_index INTEGER NOT NULL,
        metadata_json TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks (document_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Document methods
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	if doc.Status == "" {
		doc.Status = StatusProcessing
	}

	stmt, err := s.db.PrepareContext(ctx, `INSERT INTO documents
        (id, filename, original_name, mime_type, size, status, error_message, chunk_count, blob_key, uploaded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare document insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, doc.ID, doc.Filename, doc.OriginalName, doc.MimeType, doc.Size,
		string(doc.Status), nullString(doc.ErrorMessage), doc.ChunkCount, nullString(doc.BlobKey), doc.UploadedAt)
	if err != nil {
		return fmt.Errorf("failed to execute document insert: %w", err)
	}
	return nil
}

const documentColumns = `id, filename, original_name, mime_type, size, status, error_message, chunk_count, blob_key, uploaded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var status string
	var errMsg, blobKey sql.NullString
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.OriginalName, &doc.MimeType, &doc.Size,
		&status, &errMsg, &doc.ChunkCount, &blobKey, &doc.UploadedAt); err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	doc.ErrorMessage = errMsg.String
	doc.BlobKey = blobKey.String
	return &doc, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+documentColumns+" FROM documents ORDER BY uploaded_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) GetDocumentsByIDs(ctx context.Context, ids []string) (map[string]Document, error) {
	found := make(map[string]Document, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		found[doc.ID] = *doc
	}
	return found, rows.Err()
}

func (s *SQLiteStore) MarkDocumentReady(ctx context.Context, id string, chunkCount int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, chunk_count = ?, error_message = NULL WHERE id = ? AND status = ?",
		string(StatusReady), chunkCount, id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark document ready: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) MarkDocumentError(ctx context.Context, id string, message string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, error_message = ? WHERE id = ? AND status = ?",
		string(StatusError), message, id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark document error: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition tells a missing document apart from one already in a terminal state.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("document %s is %s: %w", id, doc.Status, ErrInvalidTransition)
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Chunk methods
func (s *SQLiteStore) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chunk insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertChunksTx(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk insert: %w", err)
	}
	return nil
}

// ReplaceChunks swaps a document's chunks for the given set. On any error the
// existing chunks are kept.
func (s *SQLiteStore) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chunk replace: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("failed to delete chunks for document %s: %w", documentID, err)
	}
	if err := insertChunksTx(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk replace: %w", err)
	}
	return nil
}

func insertChunksTx(ctx context.Context, tx *sql.Tx, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks
        (id, document_id, content, embedding_json, chunk_index, metadata_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		embeddingBytes, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		metadataBytes, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Content, string(embeddingBytes),
			c.ChunkIndex, string(metadataBytes), c.CreatedAt); err != nil {
			return fmt.Errorf("failed to execute chunk insert %d: %w", c.ChunkIndex, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document_id, content, embedding_json, chunk_index, metadata_json, created_at FROM chunks ORDER BY document_id, chunk_index")
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var embeddingJSON, metadataJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &embeddingJSON, &c.ChunkIndex, &metadataJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		if embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &c.Embedding); err != nil {
				s.log.Warn("Failed to unmarshal embedding, chunk will have none", "chunkID", c.ID, "error", err)
				c.Embedding = nil
			}
		}
		if metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &c.Metadata); err != nil {
				s.log.Warn("Failed to unmarshal chunk metadata", "chunkID", c.ID, "error", err)
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) DeleteChunksByDocument(ctx context.Context, documentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *SQLiteStore) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE document_id = ?", documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
