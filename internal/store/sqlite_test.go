package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newDoc(name string) *Document {
	return &Document{
		Filename:     name,
		OriginalName: name,
		MimeType:     "text/plain",
		Size:         42,
	}
}

func testChunks(docID string, n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{
			DocumentID: docID,
			Content:    "chunk content",
			Embedding:  []float32{float32(i), 0.5, -1},
			ChunkIndex: i,
			Metadata:   ChunkMetadata{StartChar: i * 10, EndChar: i*10 + 13, SourceFile: "a.txt"},
		}
	}
	return chunks
}

func TestSQLiteStore_DocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	doc := newDoc("notes.txt")
	require.NoError(t, s.CreateDocument(ctx, doc))
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, StatusProcessing, doc.Status)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", got.OriginalName)
	assert.Equal(t, int64(42), got.Size)
	assert.Equal(t, StatusProcessing, got.Status)

	require.NoError(t, s.MarkDocumentReady(ctx, doc.ID, 7))
	got, err = s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, 7, got.ChunkCount)

	// Terminal states are final.
	err = s.MarkDocumentError(ctx, doc.ID, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = s.MarkDocumentReady(ctx, doc.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSQLiteStore_MarkError(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	doc := newDoc("broken.pdf")
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.MarkDocumentError(ctx, doc.ID, "extraction failed"))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "extraction failed", got.ErrorMessage)
	assert.Equal(t, 0, got.ChunkCount)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteDocument(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, s.MarkDocumentReady(ctx, "missing", 1), ErrNotFound)
}

func TestSQLiteStore_ListDocumentsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"old.txt", "mid.txt", "new.txt"} {
		d := newDoc(name)
		d.UploadedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateDocument(ctx, d))
	}

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "new.txt", docs[0].OriginalName)
	assert.Equal(t, "old.txt", docs[2].OriginalName)
	assert.True(t, docs[0].UploadedAt.Equal(base.Add(2*time.Minute)))

	n, err := s.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLiteStore_ListDocumentsEmpty(t *testing.T) {
	docs, err := newTestSQLite(t).ListDocuments(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestSQLiteStore_GetDocumentsByIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	a, b := newDoc("a.txt"), newDoc("b.txt")
	require.NoError(t, s.CreateDocument(ctx, a))
	require.NoError(t, s.CreateDocument(ctx, b))

	found, err := s.GetDocumentsByIDs(ctx, []string{a.ID, "ghost", b.ID})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "a.txt", found[a.ID].OriginalName)
	assert.Equal(t, "b.txt", found[b.ID].OriginalName)

	empty, err := s.GetDocumentsByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStore_ChunksRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	doc := newDoc("a.txt")
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.InsertChunks(ctx, testChunks(doc.ID, 3)))

	chunks, err := s.ListChunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, doc.ID, c.DocumentID)
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, []float32{float32(i), 0.5, -1}, c.Embedding)
		assert.Equal(t, i*10, c.Metadata.StartChar)
		assert.Equal(t, "a.txt", c.Metadata.SourceFile)
	}

	n, err := s.CountChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLiteStore_InsertChunksIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	chunks := testChunks("doc-1", 3)
	chunks[2].ID = "dup"
	chunks[1].ID = "dup"

	require.Error(t, s.InsertChunks(ctx, chunks))

	n, err := s.CountChunks(ctx, "doc-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteStore_ReplaceChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.InsertChunks(ctx, testChunks("doc-1", 3)))
	require.NoError(t, s.InsertChunks(ctx, testChunks("doc-2", 2)))

	require.NoError(t, s.ReplaceChunks(ctx, "doc-1", testChunks("doc-1", 4)))

	n, err := s.CountChunks(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = s.CountChunks(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteStore_ReplaceChunksRollsBackOnInsertFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	original := testChunks("doc-1", 3)
	require.NoError(t, s.InsertChunks(ctx, original))

	replacement := testChunks("doc-1", 3)
	replacement[1].ID = "dup"
	replacement[2].ID = "dup"
	require.Error(t, s.ReplaceChunks(ctx, "doc-1", replacement))

	chunks, err := s.ListChunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, original[i].ID, c.ID)
	}
}

func TestSQLiteStore_DeleteChunksByDocumentLeavesOthers(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	a, b := newDoc("a.txt"), newDoc("b.txt")
	require.NoError(t, s.CreateDocument(ctx, a))
	require.NoError(t, s.CreateDocument(ctx, b))
	require.NoError(t, s.InsertChunks(ctx, testChunks(a.ID, 4)))
	require.NoError(t, s.InsertChunks(ctx, testChunks(b.ID, 2)))

	deleted, err := s.DeleteChunksByDocument(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)

	remaining, err := s.ListChunks(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	for _, c := range remaining {
		assert.Equal(t, b.ID, c.DocumentID)
	}
}

func TestSQLiteStore_IsNotVectorSearcher(t *testing.T) {
	var s Store = newTestSQLite(t)
	_, ok := s.(VectorSearcher)
	assert.False(t, ok)
}
