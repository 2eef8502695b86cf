package pattern

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// numPattern matches a number with optional thousands and decimal
// separators: 250, 0.08, 1,234.56, 1.234,56, 12'500.
const numPattern = `\d{1,3}(?:[,.']\d{3})+(?:[.,]\d+)?|\d+(?:[.,]\d+)?`

var numRe = regexp.MustCompile(numPattern)

var amountRe = regexp.MustCompile(`(?i)(` + numPattern + `)(?:\s*(?:-|–|—|to)\s*(` + numPattern + `))?`)

// RangePolicy decides which value of a quoted range becomes the amount.
type RangePolicy string

const (
	RangeLower    RangePolicy = "lower"
	RangeMidpoint RangePolicy = "midpoint"
	RangeUpper    RangePolicy = "upper"
)

// ParseRangePolicy validates a configured policy name. Empty means lower.
func ParseRangePolicy(s string) (RangePolicy, error) {
	switch RangePolicy(s) {
	case "", RangeLower:
		return RangeLower, nil
	case RangeMidpoint, RangeUpper:
		return RangePolicy(s), nil
	}
	return "", eris.Errorf("pattern: unknown range policy %q", s)
}

// Amount is a parsed monetary amount.
type Amount struct {
	Value   float64
	Min     float64
	Max     *float64
	IsRange bool
	Raw     string
	// Ambiguous marks a lone '.' followed by exactly three digits that no
	// document convention resolved. It was read as a decimal point.
	Ambiguous bool
}

// ParseAmount parses the first amount or range in raw. Currency symbols and
// words around the number are ignored. For ranges both bounds are kept and
// Value follows policy.
func ParseAmount(raw string, policy RangePolicy) (Amount, error) {
	loc := amountRe.FindStringSubmatchIndex(raw)
	if loc == nil {
		return Amount{}, eris.Errorf("pattern: no amount in %q", raw)
	}
	return amountFromMatch(raw, loc, policy, 0)
}

// amountFromMatch parses the amount at loc. dec is the decimal mark of the
// document, or 0 when unknown.
func amountFromMatch(s string, loc []int, policy RangePolicy, dec byte) (Amount, error) {
	lo, ambiguous, err := parseNumber(s[loc[2]:loc[3]], dec)
	if err != nil {
		return Amount{}, err
	}
	a := Amount{Value: lo, Min: lo, Raw: strings.TrimSpace(s[loc[0]:loc[1]]), Ambiguous: ambiguous}
	if loc[4] < 0 {
		return a, nil
	}

	hi, hiAmbiguous, err := parseNumber(s[loc[4]:loc[5]], dec)
	if err != nil {
		return Amount{}, err
	}
	a.Ambiguous = a.Ambiguous || hiAmbiguous
	if hi < lo {
		lo, hi = hi, lo
	}
	a.Min, a.Max, a.IsRange = lo, &hi, true
	switch policy {
	case RangeUpper:
		a.Value = hi
	case RangeMidpoint:
		a.Value = (lo + hi) / 2
	default:
		a.Value = lo
	}
	return a, nil
}

// parseNumber interprets separators. With both ',' and '.', the last one is
// the decimal mark. A lone separator followed by exactly three digits follows
// dec when the document convention is known. Otherwise a comma is a
// thousands separator and a '.' is read as decimal and reported ambiguous,
// unless the integer part is 0.
func parseNumber(s string, dec byte) (float64, bool, error) {
	s = strings.NewReplacer("'", "", " ", "", " ", "").Replace(s)
	comma, dot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	ambiguous := false

	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		thousands := strings.Count(s, ",") > 1 || (len(s)-comma-1 == 3 && dec != ',')
		if thousands {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case dot >= 0 && strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	case dot >= 0 && len(s)-dot-1 == 3 && strings.Trim(s[:dot], "0") != "":
		switch dec {
		case ',':
			s = strings.Replace(s, ".", "", 1)
		case 0:
			ambiguous = true
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, eris.Wrapf(err, "pattern: parse number %q", s)
	}
	return v, ambiguous, nil
}

// decimalConvention reports the decimal mark the numbers in text agree on:
// ',' or '.', or 0 when they give no majority. Only numbers whose reading is
// unambiguous vote, such as 1.234,56 or 0.08.
func decimalConvention(text string) byte {
	var commas, dots int
	for _, tok := range numRe.FindAllString(text, -1) {
		tok = strings.ReplaceAll(tok, "'", "")
		comma, dot := strings.LastIndex(tok, ","), strings.LastIndex(tok, ".")
		switch {
		case comma >= 0 && dot >= 0:
			if comma > dot {
				commas++
			} else {
				dots++
			}
		case comma >= 0 && strings.Count(tok, ",") == 1 && len(tok)-comma-1 != 3:
			commas++
		case dot >= 0 && strings.Count(tok, ".") == 1 && len(tok)-dot-1 != 3:
			dots++
		}
	}
	switch {
	case commas > dots:
		return ','
	case dots > commas:
		return '.'
	}
	return 0
}
