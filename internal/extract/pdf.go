package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CommandRunner executes an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// extractPDF converts the document with pdftotext. pdftotext terminates every
// page with a form feed, which gives the page count.
func (e *Extractor) extractPDF(ctx context.Context, data []byte, filename string) (*Result, error) {
	tmp, err := os.CreateTemp("", "rag-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filename, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filename, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filename, err)
	}

	out, err := e.runner.Run(ctx, e.pdfToText, "-layout", "-enc", "UTF-8", tmp.Name(), "-")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filename, err)
	}

	raw := string(out)
	pages := strings.Count(raw, "\f")
	if pages == 0 && strings.TrimSpace(raw) != "" {
		pages = 1
	}

	return &Result{
		Text: strings.ReplaceAll(raw, "\f", "\n\n"),
		Metadata: Metadata{
			Filename:  filename,
			MimeType:  MimePDF,
			PageCount: pages,
		},
	}, nil
}

// InstallInstructions explains how to get pdftotext on common platforms.
func InstallInstructions() string {
	return "PDF extraction requires pdftotext (poppler).\n" +
		"  macOS:  brew install poppler\n" +
		"  Debian: apt install poppler-utils"
}
