package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"leaveamark.com/rag-server/internal/logger"
	"leaveamark.com/rag-server/internal/store"
	"leaveamark.com/rag-server/internal/utils"
)

const (
	NumRelevantChunks = 5 // Number of chunks handed to the chat prompt

	// UnknownDocumentName labels chunks whose owning document cannot be resolved.
	UnknownDocumentName = "Unknown"

	minCandidates       = 100
	candidateMultiplier = 20
)

// RetrievedContext is a chunk returned by a search, with its document's display name.
type RetrievedContext struct {
	Content    string  `json:"content"`
	DocumentID string  `json:"documentId"`
	Filename   string  `json:"filename"`
	Score      float64 `json:"score"`
}

type Retriever interface {
	Retrieve(ctx context.Context, query []float32, k int) ([]RetrievedContext, error)
}

// IndexedRetriever uses the store's native vector index.
type IndexedRetriever struct {
	store store.Store
	log   *logger.Logger
}

func NewIndexedRetriever(s store.Store, log *logger.Logger) *IndexedRetriever {
	if log == nil {
		log = logger.NewNop()
	}
	return &IndexedRetriever{store: s, log: log}
}

func (r *IndexedRetriever) Retrieve(ctx context.Context, query []float32, k int) ([]RetrievedContext, error) {
	searcher, ok := r.store.(store.VectorSearcher)
	if !ok {
		return nil, store.ErrSearchUnavailable
	}
	numCandidates := max(k*candidateMultiplier, minCandidates)

	scored, err := searcher.SearchVectors(ctx, query, numCandidates, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrSearchUnavailable, err)
	}
	if len(scored) > k {
		scored = scored[:k]
	}
	return resolveNames(ctx, r.store, r.log, scored), nil
}

// BruteForceRetriever scores every stored chunk in process. It is O(chunks)
// per query and meant for small corpora or as the fallback path.
type BruteForceRetriever struct {
	store store.Store
	log   *logger.Logger
}

func NewBruteForceRetriever(s store.Store, log *logger.Logger) *BruteForceRetriever {
	if log == nil {
		log = logger.NewNop()
	}
	return &BruteForceRetriever{store: s, log: log}
}

func (r *BruteForceRetriever) Retrieve(ctx context.Context, query []float32, k int) ([]RetrievedContext, error) {
	chunks, err := r.store.ListChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) == 0 || k <= 0 {
		return []RetrievedContext{}, nil
	}

	scored := make([]store.ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			r.log.Warn("Skipping chunk with missing embedding", "chunkID", chunk.ID)
			continue
		}
		similarity, err := utils.CosineSimilarity(query, chunk.Embedding)
		if err != nil {
			r.log.Warn("Skipping chunk", "chunkID", chunk.ID, "error", err)
			continue
		}
		scored = append(scored, store.ScoredChunk{Chunk: chunk, Score: similarity})
	}

	// Sort by similarity in descending order
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return resolveNames(ctx, r.store, r.log, scored), nil
}

// FallbackRetriever tries Primary and switches to Secondary on error or an
// empty result. Primary errors are logged, never returned.
type FallbackRetriever struct {
	Primary   Retriever
	Secondary Retriever
	log       *logger.Logger
}

func NewFallbackRetriever(primary, secondary Retriever, log *logger.Logger) *FallbackRetriever {
	if log == nil {
		log = logger.NewNop()
	}
	return &FallbackRetriever{Primary: primary, Secondary: secondary, log: log}
}

func (r *FallbackRetriever) Retrieve(ctx context.Context, query []float32, k int) ([]RetrievedContext, error) {
	results, err := r.Primary.Retrieve(ctx, query, k)
	switch {
	case err == nil && len(results) > 0:
		return results, nil
	case errors.Is(err, store.ErrSearchUnavailable):
		r.log.Debug("Vector index unavailable, using in-memory search", "error", err)
	case err != nil:
		r.log.Warn("Primary search failed, using in-memory search", "error", err)
	default:
		r.log.Debug("Primary search returned no results, using in-memory search")
	}
	return r.Secondary.Retrieve(ctx, query, k)
}

// resolveNames attaches document display names with a single lookup. A failed
// lookup degrades every name to UnknownDocumentName instead of failing the search.
func resolveNames(ctx context.Context, s store.Store, log *logger.Logger, scored []store.ScoredChunk) []RetrievedContext {
	seen := make(map[string]struct{}, len(scored))
	ids := make([]string, 0, len(scored))
	for _, sc := range scored {
		if _, ok := seen[sc.Chunk.DocumentID]; ok {
			continue
		}
		seen[sc.Chunk.DocumentID] = struct{}{}
		ids = append(ids, sc.Chunk.DocumentID)
	}

	docs, err := s.GetDocumentsByIDs(ctx, ids)
	if err != nil {
		log.Warn("Document lookup failed, using placeholder names", "error", err)
		docs = nil
	}

	out := make([]RetrievedContext, 0, len(scored))
	for _, sc := range scored {
		name := UnknownDocumentName
		if doc, ok := docs[sc.Chunk.DocumentID]; ok && doc.OriginalName != "" {
			name = doc.OriginalName
		}
		out = append(out, RetrievedContext{
			Content:    sc.Chunk.Content,
			DocumentID: sc.Chunk.DocumentID,
			Filename:   name,
			Score:      sc.Score,
		})
	}
	return out
}

// SearchService embeds a query and retrieves the nearest chunks.
type SearchService struct {
	embedder  QueryEmbedder
	retriever Retriever
	log       *logger.Logger
}

// QueryEmbedder is satisfied by embedding.Client.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

func NewSearchService(embedder QueryEmbedder, retriever Retriever, log *logger.Logger) *SearchService {
	if log == nil {
		log = logger.NewNop()
	}
	return &SearchService{embedder: embedder, retriever: retriever, log: log}
}

func (s *SearchService) Search(ctx context.Context, query string, k int) ([]RetrievedContext, error) {
	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}

	results, err := s.retriever.Retrieve(ctx, queryEmbedding, k)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve context: %w", err)
	}
	s.log.Debug("Retrieved relevant chunks for query", "count", len(results))
	return results, nil
}
