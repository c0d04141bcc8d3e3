package core

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"leaveamark.com/rag-server/internal/extract"
	"leaveamark.com/rag-server/internal/lock"
	"leaveamark.com/rag-server/internal/logger"
	"leaveamark.com/rag-server/internal/store"
)

//go:embed seeddata/*.md
var seedFiles embed.FS

var ErrSeedInProgress = errors.New("seed already in progress")

type SeedResult struct {
	Seeded    bool `json:"seeded"`
	Documents int  `json:"documents"`
}

// Ingester is satisfied by IngestService.
type Ingester interface {
	Ingest(ctx context.Context, up Upload) (*store.Document, error)
}

// SeedService fills an empty corpus with the bundled sample documents.
type SeedService struct {
	store    store.Store
	ingester Ingester
	locker   lock.Locker
	files    fs.FS
	log      *logger.Logger
}

func NewSeedService(s store.Store, ingester Ingester, locker lock.Locker, log *logger.Logger) *SeedService {
	if log == nil {
		log = logger.NewNop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	sub, _ := fs.Sub(seedFiles, "seeddata")
	return &SeedService{
		store:    s,
		ingester: ingester,
		locker:   locker,
		files:    sub,
		log:      log.With("service", "SeedService"),
	}
}

// Seed ingests the sample documents when the store holds none. Only one seed
// runs at a time; a concurrent call gets ErrSeedInProgress.
func (s *SeedService) Seed(ctx context.Context) (SeedResult, error) {
	release, err := s.locker.TryAcquire(ctx)
	if errors.Is(err, lock.ErrHeld) {
		return SeedResult{}, ErrSeedInProgress
	}
	if err != nil {
		return SeedResult{}, fmt.Errorf("failed to acquire seed lock: %w", err)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(relCtx); err != nil {
			s.log.Warn("Failed to release seed lock", "error", err)
		}
	}()

	existing, err := s.store.CountDocuments(ctx)
	if err != nil {
		return SeedResult{}, err
	}
	if existing > 0 {
		s.log.Info("Corpus not empty, skipping seed", "documents", existing)
		return SeedResult{Seeded: false, Documents: existing}, nil
	}

	names, err := fs.Glob(s.files, "*.md")
	if err != nil {
		return SeedResult{}, fmt.Errorf("failed to list sample documents: %w", err)
	}
	sort.Strings(names)

	seeded := 0
	for _, name := range names {
		data, err := fs.ReadFile(s.files, name)
		if err != nil {
			return SeedResult{}, fmt.Errorf("failed to read sample %s: %w", name, err)
		}
		doc, err := s.ingester.Ingest(ctx, Upload{Data: data, Filename: path.Base(name), MimeType: extract.MimeMarkdown})
		if err != nil {
			return SeedResult{}, fmt.Errorf("failed to seed %s: %w", name, err)
		}
		if doc.Status != store.StatusReady {
			s.log.Warn("Sample document did not become ready", "filename", name, "status", doc.Status, "error", doc.ErrorMessage)
			continue
		}
		seeded++
	}

	s.log.Info("Seeded sample documents", "documents", seeded)
	return SeedResult{Seeded: seeded > 0, Documents: seeded}, nil
}
