// Package embedding wraps a provider embedder with retries and bounded batch
// parallelism.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"leaveamark.com/rag-server/internal/logger"
	"leaveamark.com/rag-server/internal/utils"
)

const (
	DefaultAttempts    = 3
	DefaultBaseDelay   = time.Second
	DefaultBatchSize   = 100
	DefaultParallelism = 8
	DefaultGroupDelay  = 500 * time.Millisecond
)

var ErrEmbeddingFailed = errors.New("embedding failed")

// EmbeddingFailedError is returned once every attempt for a text has failed.
type EmbeddingFailedError struct {
	Attempts int
	Err      error
}

func (e *EmbeddingFailedError) Error() string {
	return fmt.Sprintf("embedding failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *EmbeddingFailedError) Unwrap() error { return e.Err }

func (e *EmbeddingFailedError) Is(target error) bool { return target == ErrEmbeddingFailed }

// Embedder is the raw provider call.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	Attempts    int
	BaseDelay   time.Duration
	BatchSize   int
	Parallelism int
	GroupDelay  time.Duration
}

// DefaultOptions returns the production retry and batching settings.
func DefaultOptions() Options {
	return Options{
		Attempts:    DefaultAttempts,
		BaseDelay:   DefaultBaseDelay,
		BatchSize:   DefaultBatchSize,
		Parallelism: DefaultParallelism,
		GroupDelay:  DefaultGroupDelay,
	}
}

type Client struct {
	embedder Embedder
	opts     Options
	log      *logger.Logger
}

// NewClient builds a Client. Zero-valued counts in opts fall back to the
// defaults; zero delays are kept as-is.
func NewClient(embedder Embedder, opts Options, log *logger.Logger) *Client {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{embedder: embedder, opts: opts, log: log}
}

// Embed returns the embedding for text, retrying with exponential backoff.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		if attempt > 1 {
			delay := utils.Backoff(c.opts.BaseDelay, attempt-1)
			c.log.Warn("Retrying embedding", "attempt", attempt, "delay", delay, "error", lastErr)
			if err := utils.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		vec, err := c.embedder.EmbedText(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, &EmbeddingFailedError{Attempts: c.opts.Attempts, Err: lastErr}
}

// EmbedBatch embeds texts in groups, concurrently within a group. The result
// at index i always belongs to texts[i]. The first failure aborts the batch.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	for groupStart := 0; groupStart < len(texts); groupStart += c.opts.BatchSize {
		if groupStart > 0 {
			if err := utils.Sleep(ctx, c.opts.GroupDelay); err != nil {
				return nil, err
			}
		}
		groupEnd := min(groupStart+c.opts.BatchSize, len(texts))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.opts.Parallelism)
		for i := groupStart; i < groupEnd; i++ {
			g.Go(func() error {
				vec, err := c.Embed(gctx, texts[i])
				if err != nil {
					return fmt.Errorf("text %d: %w", i, err)
				}
				out[i] = vec
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		c.log.Debug("Embedded group", "from", groupStart, "to", groupEnd, "total", len(texts))
	}
	return out, nil
}
