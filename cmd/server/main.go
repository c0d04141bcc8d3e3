package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rag-server",
		Short: "Document question answering for Leave a Mark",
		Long: `rag-server ingests presentation documents (PDF, PPTX, TXT, MD) and answers
questions about them over HTTP with retrieval-augmented generation.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd(), newIngestCmd(), newSeedCmd(), newReindexCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
