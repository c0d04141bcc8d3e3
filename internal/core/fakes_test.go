package core

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"leaveamark.com/rag-server/internal/store"
)

func newSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// hashEmbedder derives a deterministic 8-dim vector from the text.
type hashEmbedder struct {
	mu      sync.Mutex
	calls   int
	failOn  string // texts containing this substring fail
	batches int
}

func (e *hashEmbedder) vector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	sum := h.Sum64()
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32((sum>>(i*8))&0xff) + 1
	}
	return vec
}

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, fmt.Errorf("embedding failed after 3 attempts: quota exceeded")
	}
	return e.vector(text), nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batches++
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// vectorStore wraps a SQLite store with a scripted native search.
type vectorStore struct {
	*store.SQLiteStore
	results    []store.ScoredChunk
	err        error
	candidates int
}

func (v *vectorStore) SearchVectors(_ context.Context, _ []float32, numCandidates, k int) ([]store.ScoredChunk, error) {
	v.candidates = numCandidates
	if v.err != nil {
		return nil, v.err
	}
	return v.results, nil
}

type staticRetriever struct {
	results []RetrievedContext
	err     error
	calls   int
}

func (r *staticRetriever) Retrieve(context.Context, []float32, int) ([]RetrievedContext, error) {
	r.calls++
	return r.results, r.err
}

type scriptedGenerator struct {
	tokens []string
	err    error
	prompt string
}

func (g *scriptedGenerator) GenerateStream(_ context.Context, prompt string, onToken func(string) error) error {
	g.prompt = prompt
	for _, tok := range g.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return g.err
}

type staticSearcher struct {
	results []RetrievedContext
	err     error
}

func (s *staticSearcher) Search(context.Context, string, int) ([]RetrievedContext, error) {
	return s.results, s.err
}

// failingDocsStore fails document lookups to exercise name degradation.
type failingDocsStore struct {
	*store.SQLiteStore
}

func (f *failingDocsStore) GetDocumentsByIDs(context.Context, []string) (map[string]store.Document, error) {
	return nil, errors.New("lookup timeout")
}

// rejectingChunkStore fails every chunk write. ReplaceChunks still runs the
// real delete so the transaction has something to roll back.
type rejectingChunkStore struct {
	*store.SQLiteStore
}

func (r *rejectingChunkStore) InsertChunks(context.Context, []store.Chunk) error {
	return errors.New("expected 768 dimensions, not 8")
}

func (r *rejectingChunkStore) ReplaceChunks(ctx context.Context, documentID string, chunks []store.Chunk) error {
	// A repeated primary key makes the insert fail after the delete.
	dup := append(append([]store.Chunk(nil), chunks...), chunks[0])
	return r.SQLiteStore.ReplaceChunks(ctx, documentID, dup)
}

// unreadyStore fails the ready transition after chunks were written.
type unreadyStore struct {
	*store.SQLiteStore
}

func (u *unreadyStore) MarkDocumentReady(context.Context, string, int) error {
	return errors.New("connection reset")
}

// uncreatableStore fails to insert document records.
type uncreatableStore struct {
	*store.SQLiteStore
}

func (u *uncreatableStore) CreateDocument(context.Context, *store.Document) error {
	return errors.New("disk I/O error")
}
