package pattern

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold normalizes s for dictionary comparison: compatibility forms are
// unified (NFKD), accents dropped, case folded and whitespace collapsed.
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = cases.Fold().String(out)
	return strings.Join(strings.Fields(out), " ")
}

// words folds s and reduces it to letter/digit tokens separated by single
// spaces. A slash reads as "per", so "USD 0.08/GT" gives "usd 0 08 per gt".
func words(s string) string {
	f := Fold(s)
	var b strings.Builder
	b.Grow(len(f))
	for _, r := range f {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '/':
			b.WriteString(" per ")
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsPhrase reports the byte index of phrase in text on token
// boundaries, or -1. Both must already be reduced by words.
func containsPhrase(text, phrase string) int {
	if phrase == "" {
		return -1
	}
	padded := " " + text + " "
	i := strings.Index(padded, " "+phrase+" ")
	if i < 0 {
		return -1
	}
	return i
}
