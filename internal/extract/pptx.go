package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	slidePath     = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	notesPath     = regexp.MustCompile(`^ppt/notesSlides/notesSlide(\d+)\.xml$`)
	slideMarkerRe = regexp.MustCompile(`(?i)slide \d+|slide\d+`)
)

// extractPPTX reads slide text and speaker notes from the OOXML package.
func extractPPTX(data []byte, filename string) (*Result, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filename, err)
	}

	slides := map[int]string{}
	notes := map[int]string{}
	for _, file := range reader.File {
		var target map[int]string
		var m []string
		if m = slidePath.FindStringSubmatch(file.Name); m != nil {
			target = slides
		} else if m = notesPath.FindStringSubmatch(file.Name); m != nil {
			target = notes
		} else {
			continue
		}
		n, _ := strconv.Atoi(m[1])

		text, err := readXMLText(file)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s: %v", ErrExtractionFailed, filename, file.Name, err)
		}
		target[n] = text
	}

	numbers := make([]int, 0, len(slides))
	for n := range slides {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	parts := make([]string, 0, len(numbers))
	for _, n := range numbers {
		var b strings.Builder
		fmt.Fprintf(&b, "Slide %d\n", n)
		b.WriteString(slides[n])
		if note := strings.TrimSpace(notes[n]); note != "" {
			b.WriteString("\nNotes: ")
			b.WriteString(note)
		}
		parts = append(parts, b.String())
	}
	text := strings.Join(parts, "\n\n")

	return &Result{
		Text: text,
		Metadata: Metadata{
			Filename:   filename,
			MimeType:   MimePPTX,
			SlideCount: countSlideMarkers(text),
		},
	}, nil
}

// countSlideMarkers approximates the slide count from "Slide N" markers in the text.
func countSlideMarkers(text string) int {
	n := len(slideMarkerRe.FindAllStringIndex(text, -1))
	if n == 0 {
		return 1
	}
	return n
}

func readXMLText(file *zip.File) (string, error) {
	rc, err := file.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return parseDrawingText(rc)
}

// parseDrawingText collects the character data of every a:t element, one line per a:p paragraph.
func parseDrawingText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	lineOpen := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if lineOpen {
					b.WriteByte('\n')
					lineOpen = false
				}
			}
		case xml.CharData:
			if inText && len(t) > 0 {
				b.Write(t)
				lineOpen = true
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
