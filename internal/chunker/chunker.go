package chunker

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	DefaultSize    = 512
	DefaultOverlap = 50
)

var pageMarker = regexp.MustCompile(`\[Page (\d+)\]`)

type Chunk struct {
	Index      int
	Text       string
	StartChar  int
	EndChar    int
	PageNumber *int
}

type Chunker struct {
	size    int
	overlap int
}

func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap}
}

type marker struct {
	pos  int
	page int
}

// Split cuts text into rune windows. Offsets are rune offsets into text.
func (c *Chunker) Split(text string) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	markers := findMarkers(text)
	step := c.size - c.overlap

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := min(start+c.size, len(runes))
		window := strings.TrimSpace(string(runes[start:end]))
		if window != "" {
			chunks = append(chunks, Chunk{
				Index:      len(chunks),
				Text:       window,
				StartChar:  start,
				EndChar:    end,
				PageNumber: pageAt(markers, start, end),
			})
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func findMarkers(text string) []marker {
	locs := pageMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	markers := make([]marker, 0, len(locs))
	for _, loc := range locs {
		page, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		// byte offset to rune offset
		markers = append(markers, marker{pos: len([]rune(text[:loc[0]])), page: page})
	}
	return markers
}

// pageAt returns the page of the last marker at or before start, falling back to
// the first marker inside the window.
func pageAt(markers []marker, start, end int) *int {
	var page *int
	for _, m := range markers {
		if m.pos > start {
			if page == nil && m.pos < end {
				p := m.page
				return &p
			}
			break
		}
		p := m.page
		page = &p
	}
	return page
}
