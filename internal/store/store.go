package store

import "context"

// Store persists documents and their chunks.
type Store interface {
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	// ListDocuments returns documents newest first.
	ListDocuments(ctx context.Context) ([]Document, error)
	GetDocumentsByIDs(ctx context.Context, ids []string) (map[string]Document, error)
	MarkDocumentReady(ctx context.Context, id string, chunkCount int) error
	MarkDocumentError(ctx context.Context, id string, message string) error
	DeleteDocument(ctx context.Context, id string) error
	CountDocuments(ctx context.Context) (int, error)

	// InsertChunks writes all chunks in a single transaction.
	InsertChunks(ctx context.Context, chunks []Chunk) error
	// ReplaceChunks deletes a document's chunks and inserts the new set
	// atomically.
	ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error
	ListChunks(ctx context.Context) ([]Chunk, error)
	DeleteChunksByDocument(ctx context.Context, documentID string) (int64, error)
	CountChunks(ctx context.Context, documentID string) (int, error)

	Close() error
}

// VectorSearcher is implemented by stores with a native similarity index.
type VectorSearcher interface {
	SearchVectors(ctx context.Context, query []float32, numCandidates, k int) ([]ScoredChunk, error)
}
