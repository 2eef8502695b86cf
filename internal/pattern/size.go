package pattern

import (
	"regexp"
	"strings"
)

// SizeRange is a vessel size bracket. Nil bounds are open.
type SizeRange struct {
	Min   *float64
	Max   *float64
	Unit  string
	Start int
	End   int
}

// ParseSizeRange finds a vessel size bracket in raw: "X-Y GT", "between X
// and Y DWT", "up to/below/under X", "over/above/exceeding X", "X GT and
// above" and "X+ GT".
func (n Normalizer) ParseSizeRange(raw string) (*SizeRange, bool) {
	d := n.Dict
	if d.sizeRange == nil {
		return nil, false
	}

	type form struct {
		re       *regexp.Regexp
		min, max int // submatch group index of each bound, 0 if absent
		unit     int
	}
	forms := []form{
		{re: d.sizeRange, min: 1, max: 2, unit: 3},
		{re: d.sizeAndOver, min: 1, unit: 2},
		{re: d.sizePlus, min: 1, unit: 2},
		{re: d.sizeUpTo, max: 1, unit: 2},
		{re: d.sizeOver, min: 1, unit: 2},
	}

	var best *SizeRange
	for _, f := range forms {
		loc := f.re.FindStringSubmatchIndex(raw)
		if loc == nil {
			continue
		}
		if best != nil && loc[0] >= best.Start {
			continue
		}
		sr := &SizeRange{Start: loc[0], End: loc[1], Unit: d.sizeUnits[Fold(raw[loc[2*f.unit]:loc[2*f.unit+1]])]}
		if f.min > 0 {
			v, err := sizeNumber(raw[loc[2*f.min]:loc[2*f.min+1]])
			if err != nil {
				continue
			}
			sr.Min = &v
		}
		if f.max > 0 {
			v, err := sizeNumber(raw[loc[2*f.max]:loc[2*f.max+1]])
			if err != nil {
				continue
			}
			sr.Max = &v
		}
		if sr.Min != nil && sr.Max != nil && *sr.Max < *sr.Min {
			sr.Min, sr.Max = sr.Max, sr.Min
		}
		best = sr
	}
	return best, best != nil
}

// sizeNumber reads a size bound. A lone separator before three digits is a
// thousands separator in either convention: 5.000 GT is 5000.
func sizeNumber(s string) (float64, error) {
	if i := strings.IndexAny(s, ".,"); i >= 0 && i == strings.LastIndexAny(s, ".,") && len(s)-i-1 == 3 {
		s = s[:i] + s[i+1:]
	}
	v, _, err := parseNumber(s, 0)
	return v, err
}
