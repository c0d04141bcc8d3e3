package store

import (
	"errors"
	"time"
)

type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusError      DocumentStatus = "error"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a document is not in processing state.
	ErrInvalidTransition = errors.New("invalid document status transition")
	// ErrSearchUnavailable means the store has no native vector search.
	ErrSearchUnavailable = errors.New("vector search unavailable")
)

type Document struct {
	ID           string         `json:"id"`
	Filename     string         `json:"filename"`
	OriginalName string         `json:"originalName"`
	MimeType     string         `json:"mimeType"`
	Size         int64          `json:"size"`
	Status       DocumentStatus `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	ChunkCount   int            `json:"chunkCount"`
	BlobKey      string         `json:"-"`
	UploadedAt   time.Time      `json:"uploadedAt"`
}

type ChunkMetadata struct {
	StartChar  int    `json:"startChar"`
	EndChar    int    `json:"endChar"`
	SourceFile string `json:"sourceFile"`
	PageCount  int    `json:"pageCount,omitempty"`
	SlideCount int    `json:"slideCount,omitempty"`
}

type Chunk struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"documentId"`
	Content    string        `json:"content"`
	Embedding  []float32     `json:"-"`
	ChunkIndex int           `json:"chunkIndex"`
	Metadata   ChunkMetadata `json:"metadata"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ScoredChunk is a chunk with its relevance score from a native vector search.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}
