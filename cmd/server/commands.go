package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"leaveamark.com/rag-server/internal/core"
	"leaveamark.com/rag-server/internal/extract"
	"leaveamark.com/rag-server/internal/store"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest documents from disk and exit",
		Long: `Ingest one or more PDF, PPTX, TXT or MD files synchronously.

Examples:
  rag-server ingest brand-book.pdf pitch.pptx
  rag-server ingest docs/*.md`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			failed := 0
			for _, path := range args {
				doc, err := ingestFile(ctx, a.ingest, path)
				if err != nil {
					a.log.Error("Failed to ingest file", "path", path, "error", err)
					failed++
					continue
				}
				if doc.Status != store.StatusReady {
					a.log.Error("Document ended in error state", "path", path, "documentID", doc.ID, "error", doc.ErrorMessage)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d chunks\n", doc.ID, doc.OriginalName, doc.ChunkCount)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed to ingest", failed, len(args))
			}
			return nil
		},
	}
}

func ingestFile(ctx context.Context, ingester core.Ingester, path string) (*store.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	name := filepath.Base(path)
	mimeType := extract.DetectMimeType(name, "")
	if mimeType == "" {
		return nil, &extract.UnsupportedFileTypeError{Ext: filepath.Ext(name)}
	}
	return ingester.Ingest(ctx, core.Upload{Data: data, Filename: name, MimeType: mimeType})
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the sample documents into an empty corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.seed.Seed(ctx)
			if err != nil {
				return err
			}
			if !res.Seeded {
				fmt.Fprintf(cmd.OutOrStdout(), "Corpus already holds %d documents, nothing seeded\n", res.Documents)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d sample documents\n", res.Documents)
			return nil
		},
	}
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Recompute every chunk embedding with the configured model",
		Long: `Recompute the embeddings of all stored chunks. Run this after changing
EMBEDDING_MODEL or EMBEDDING_DIM so stored vectors match new queries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.ingest.Reembed(ctx)
			if err != nil {
				return fmt.Errorf("reindex stopped after %d chunks: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-embedded %d chunks\n", n)
			return nil
		},
	}
}
