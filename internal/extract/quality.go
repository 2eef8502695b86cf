package extract

import (
	"strings"
	"unicode"
)

// Quality describes how usable extracted text looks.
type Quality struct {
	WordCount      int     `json:"word_count"`
	WordsPerPage   float64 `json:"words_per_page"`
	EncodingIssues int     `json:"encoding_issues"`
	HasNumbers     bool    `json:"has_numbers"`
	HasLetters     bool    `json:"has_letters"`
	// Factor scales text-layer confidence. It falls with the share of
	// replacement and control characters.
	Factor float64 `json:"factor"`
}

// minWordsPerPage is the word density below which text is flagged as poor.
const minWordsPerPage = 20

// Good reports whether the text looks like real tariff content.
func (q Quality) Good() bool {
	return q.Factor >= 0.7 && q.HasNumbers && q.HasLetters && q.WordsPerPage >= minWordsPerPage
}

// AssessQuality measures text extracted from pages pages.
func AssessQuality(text string, pages int) Quality {
	if pages < 1 {
		pages = 1
	}
	q := Quality{WordCount: len(strings.Fields(text))}
	q.WordsPerPage = float64(q.WordCount) / float64(pages)

	var runes int
	for _, r := range text {
		runes++
		switch {
		case r == unicode.ReplacementChar:
			q.EncodingIssues++
		case unicode.IsControl(r) && !unicode.IsSpace(r) && r != '\f':
			q.EncodingIssues++
		case unicode.IsDigit(r):
			q.HasNumbers = true
		case unicode.IsLetter(r):
			q.HasLetters = true
		}
	}

	q.Factor = 1
	if runes > 0 {
		// Every bad rune costs five times its share.
		q.Factor = clamp01(1 - 5*float64(q.EncodingIssues)/float64(runes))
	}
	return q
}

// Density is the number of non-space characters per page.
func Density(text string, pages int) float64 {
	if pages < 1 {
		pages = 1
	}
	var n int
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return float64(n) / float64(pages)
}

// TextLayerConfidence is q·d/(d+T): monotonic in density, 0.5·q at the
// threshold.
func TextLayerConfidence(quality, density, threshold float64) float64 {
	if density <= 0 || threshold <= 0 {
		return 0
	}
	return clamp01(quality * density / (density + threshold))
}

// OCRConfidence blends engine confidence with recovered text density.
func OCRConfidence(engine, density, threshold float64) float64 {
	ratio := 1.0
	if threshold > 0 {
		ratio = min(1, density/threshold)
	}
	return clamp01(0.7*clamp01(engine) + 0.3*ratio)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
