// Package extract turns uploaded file bytes into plain text.
//
// Routing is by declared MIME type first, then by file extension. Supported
// inputs are PDF, PPTX, plain text and Markdown. Extraction performs no
// chunking and keeps no state.
package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

const (
	MimePDF      = "application/pdf"
	MimePPTX     = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	MimeText     = "text/plain"
	MimeMarkdown = "text/markdown"
)

var (
	// ErrUnsupportedFileType means neither the MIME type nor the extension is routable.
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrExtractionFailed means the underlying PDF or PPTX parse failed.
	ErrExtractionFailed = errors.New("extraction failed")
)

// UnsupportedFileTypeError carries the offending type and extension.
type UnsupportedFileTypeError struct {
	MimeType string
	Ext      string
}

func (e *UnsupportedFileTypeError) Error() string {
	if e.MimeType != "" {
		return fmt.Sprintf("unsupported file type: %s", e.MimeType)
	}
	return fmt.Sprintf("unsupported file type: %s", e.Ext)
}

func (e *UnsupportedFileTypeError) Is(target error) bool {
	return target == ErrUnsupportedFileType
}

type Metadata struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	// PageCount is set for PDFs.
	PageCount int `json:"pageCount,omitempty"`
	// SlideCount is set for PPTX. It is derived from "Slide N" markers and is approximate.
	SlideCount int `json:"slideCount,omitempty"`
}

type Result struct {
	Text     string
	Metadata Metadata
}

type kind int

const (
	kindUnknown kind = iota
	kindPDF
	kindPPTX
	kindText
)

// Extractor routes bytes to the matching format parser.
type Extractor struct {
	runner    CommandRunner
	pdfToText string
}

type Option func(*Extractor)

// WithCommandRunner replaces the runner used for external converters.
func WithCommandRunner(r CommandRunner) Option {
	return func(e *Extractor) {
		if r != nil {
			e.runner = r
		}
	}
}

// WithPDFToText sets the pdftotext binary path.
func WithPDFToText(path string) Option {
	return func(e *Extractor) {
		if path != "" {
			e.pdfToText = path
		}
	}
}

func New(opts ...Option) *Extractor {
	e := &Extractor{
		runner:    ExecRunner{},
		pdfToText: "pdftotext",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract converts data to text according to mimeType, falling back to the filename extension.
func (e *Extractor) Extract(ctx context.Context, data []byte, filename, mimeType string) (*Result, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	mt := baseMimeType(mimeType)

	switch route(mt, ext) {
	case kindPDF:
		return e.extractPDF(ctx, data, filename)
	case kindPPTX:
		return extractPPTX(data, filename)
	case kindText:
		return extractText(data, filename, mt, ext), nil
	default:
		return nil, &UnsupportedFileTypeError{MimeType: mt, Ext: ext}
	}
}

// IsSupported reports whether Extract would route the given file.
func IsSupported(filename, mimeType string) bool {
	return route(baseMimeType(mimeType), strings.ToLower(filepath.Ext(filename))) != kindUnknown
}

// DetectMimeType returns the canonical MIME type Extract would treat the file
// as, or "" when the file is unsupported.
func DetectMimeType(filename, mimeType string) string {
	mt := baseMimeType(mimeType)
	ext := strings.ToLower(filepath.Ext(filename))
	switch route(mt, ext) {
	case kindPDF:
		return MimePDF
	case kindPPTX:
		return MimePPTX
	case kindText:
		if mt == MimeMarkdown || ext == ".md" {
			return MimeMarkdown
		}
		return MimeText
	}
	return ""
}

func route(mt, ext string) kind {
	switch mt {
	case MimePDF:
		return kindPDF
	case MimePPTX:
		return kindPPTX
	case MimeText, MimeMarkdown:
		return kindText
	}
	switch ext {
	case ".pdf":
		return kindPDF
	case ".pptx":
		return kindPPTX
	case ".txt", ".md":
		return kindText
	}
	return kindUnknown
}

func baseMimeType(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(mimeType)
	}
	return mt
}

// extractText decodes data as UTF-8 without any cleanup.
func extractText(data []byte, filename, mt, ext string) *Result {
	reported := MimeText
	if mt == MimeMarkdown || ext == ".md" {
		reported = MimeMarkdown
	}
	return &Result{
		Text: string(data),
		Metadata: Metadata{
			Filename: filename,
			MimeType: reported,
		},
	}
}
