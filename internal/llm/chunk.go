package llm

import (
	"strings"
	"unicode/utf8"
)

// Chunk is a slice of the document text sent in one call.
type Chunk struct {
	Index  int
	Offset int // byte offset into the full text
	Text   string
}

// SplitChunks cuts text into chunks of at most size runes on line
// boundaries. Consecutive chunks share up to overlap runes of whole lines so
// an item straddling a boundary is seen complete at least once. A single
// line longer than size becomes its own chunk.
func SplitChunks(text string, size, overlap int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if size <= 0 {
		return []Chunk{{Text: text}}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	type line struct{ start, end, runes int }
	var lines []line
	for start := 0; start < len(text); {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += start + 1
		}
		lines = append(lines, line{start: start, end: end, runes: utf8.RuneCountInString(text[start:end])})
		start = end
	}

	var chunks []Chunk
	for i := 0; i < len(lines); {
		j, runes := i, 0
		for j < len(lines) && (j == i || runes+lines[j].runes <= size) {
			runes += lines[j].runes
			j++
		}
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Offset: lines[i].start,
			Text:   text[lines[i].start:lines[j-1].end],
		})
		if j == len(lines) {
			break
		}

		next, shared := j, 0
		for k := j - 1; k > i; k-- {
			if shared+lines[k].runes > overlap {
				break
			}
			shared += lines[k].runes
			next = k
		}
		i = next
	}
	return chunks
}
