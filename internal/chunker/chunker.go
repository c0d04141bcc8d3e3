// Package chunker splits normalized text into overlapping, sentence-aligned
// chunks sized for embedding.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultTargetSize = 1000
	DefaultOverlap    = 200
)

type Options struct {
	TargetSize int
	Overlap    int
	SourceFile string
}

type Metadata struct {
	StartChar  int    `json:"startChar"`
	EndChar    int    `json:"endChar"`
	SourceFile string `json:"sourceFile"`
}

type TextChunk struct {
	Content  string   `json:"content"`
	Index    int      `json:"index"`
	Metadata Metadata `json:"metadata"`
}

// Source is one document handed to ChunkDocuments.
type Source struct {
	Text     string
	Filename string
}

func (o Options) withDefaults() Options {
	if o.TargetSize <= 0 {
		o.TargetSize = DefaultTargetSize
	}
	if o.Overlap <= 0 {
		o.Overlap = DefaultOverlap
	}
	if o.Overlap >= o.TargetSize {
		o.Overlap = o.TargetSize / 4
	}
	return o
}

// Normalize collapses every run of Unicode whitespace, including line breaks,
// vertical tabs and no-break spaces, to a single space and trims. Chunk
// offsets refer to the normalized text.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Chunk splits text into chunks of roughly opts.TargetSize characters. A
// sentence longer than the target is never split, so such a chunk may exceed it.
func Chunk(text string, opts Options) []TextChunk {
	opts = opts.withDefaults()
	clean := Normalize(text)
	if clean == "" {
		return nil
	}

	if len(clean) <= opts.TargetSize {
		return []TextChunk{{
			Content: clean,
			Index:   0,
			Metadata: Metadata{
				StartChar:  0,
				EndChar:    len(clean),
				SourceFile: opts.SourceFile,
			},
		}}
	}

	var (
		chunks  []TextChunk
		current []string
		curLen  int
		start   int
	)

	emit := func(content string) {
		chunks = append(chunks, TextChunk{
			Content: content,
			Index:   len(chunks),
			Metadata: Metadata{
				StartChar:  start,
				EndChar:    start + len(content),
				SourceFile: opts.SourceFile,
			},
		})
	}

	for _, sentence := range splitSentences(clean) {
		sentLen := len(sentence)
		if len(current) > 0 {
			sentLen++
		}

		if curLen+sentLen > opts.TargetSize && len(current) > 0 {
			content := strings.Join(current, " ")
			emit(content)

			// The seed plus the incoming sentence must still fit the target.
			limit := min(opts.Overlap, opts.TargetSize-len(sentence)-1)
			tail, tailLen := overlapTail(current, limit)
			start = start + len(content) - tailLen
			if tailLen == 0 {
				start++ // joining space
			}
			current = tail
			curLen = tailLen

			sentLen = len(sentence)
			if len(current) > 0 {
				sentLen++
			}
		}

		current = append(current, sentence)
		curLen += sentLen
	}

	if len(current) > 0 {
		emit(strings.Join(current, " "))
	}
	return chunks
}

// overlapTail returns the longest suffix of sentences whose joined length fits
// within limit, and that joined length.
func overlapTail(sentences []string, limit int) ([]string, int) {
	length := 0
	count := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		l := len(sentences[i])
		if count > 0 {
			l++
		}
		if length+l > limit {
			break
		}
		length += l
		count++
	}
	if count == 0 {
		return nil, 0
	}
	tail := make([]string, count)
	copy(tail, sentences[len(sentences)-count:])
	return tail, length
}

// splitSentences cuts after '.', '!' or '?' when followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	begin := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
		default:
			continue
		}
		end := i + 1
		next := skipSpace(text, end)
		if next == end {
			continue
		}
		if s := strings.TrimSpace(text[begin:end]); s != "" {
			out = append(out, s)
		}
		begin = next
		i = next - 1
	}
	if s := strings.TrimSpace(text[begin:]); s != "" {
		out = append(out, s)
	}
	return out
}

// skipSpace returns the index of the first non-space rune at or after i,
// using the same definition of space as strings.Fields.
func skipSpace(text string, i int) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

// ChunkDocuments chunks every source independently and re-indexes the combined
// result from 0.
func ChunkDocuments(docs []Source, opts Options) []TextChunk {
	var all []TextChunk
	for _, doc := range docs {
		o := opts
		o.SourceFile = doc.Filename
		all = append(all, Chunk(doc.Text, o)...)
	}
	for i := range all {
		all[i].Index = i
	}
	return all
}
