package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaveamark.com/rag-server/internal/chunker"
	"leaveamark.com/rag-server/internal/extract"
	"leaveamark.com/rag-server/internal/lock"
	"leaveamark.com/rag-server/internal/logger"
	"leaveamark.com/rag-server/internal/store"
)

type failingIngester struct{}

func (failingIngester) Ingest(context.Context, Upload) (*store.Document, error) {
	return nil, errors.New("database is locked")
}

func TestSeed_EmptyStore(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	ingest := NewIngestService(s, nil, extract.New(), &hashEmbedder{}, IngestOptions{Chunking: chunker.Options{}}, logger.NewNop())
	svc := NewSeedService(s, ingest, nil, logger.NewNop())

	res, err := svc.Seed(ctx)
	require.NoError(t, err)
	assert.True(t, res.Seeded)
	assert.Equal(t, 3, res.Documents)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for _, d := range docs {
		assert.Equal(t, store.StatusReady, d.Status)
		assert.Equal(t, extract.MimeMarkdown, d.MimeType)
		assert.Positive(t, d.ChunkCount)
	}

	again, err := svc.Seed(ctx)
	require.NoError(t, err)
	assert.False(t, again.Seeded)
	assert.Equal(t, 3, again.Documents)

	n, err := s.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSeed_SkipsWhenCorpusExists(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	require.NoError(t, s.CreateDocument(ctx, &store.Document{Filename: "mine.txt", OriginalName: "mine.txt"}))

	svc := NewSeedService(s, failingIngester{}, nil, logger.NewNop())
	res, err := svc.Seed(ctx)
	require.NoError(t, err)
	assert.False(t, res.Seeded)
	assert.Equal(t, 1, res.Documents)
}

func TestSeed_ConcurrentCallRejected(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewLocal()
	release, err := locker.TryAcquire(ctx)
	require.NoError(t, err)

	svc := NewSeedService(newSQLite(t), failingIngester{}, locker, logger.NewNop())
	_, err = svc.Seed(ctx)
	assert.ErrorIs(t, err, ErrSeedInProgress)

	require.NoError(t, release(ctx))
	_, err = svc.Seed(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSeedInProgress)
}

func TestSeed_ReleasesLockAfterFailure(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewLocal()
	svc := NewSeedService(newSQLite(t), failingIngester{}, locker, logger.NewNop())

	_, err := svc.Seed(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	release, err := locker.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
