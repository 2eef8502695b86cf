package pattern

import (
	"strings"
	"unicode"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Options tunes the matcher.
type Options struct {
	FuzzyMaxDistance  int
	RangePolicy       RangePolicy
	MinItemConfidence float64
}

// Matcher finds tariff line items in extracted text.
type Matcher struct {
	holder *Holder
	opts   Options
}

// MatchResult is the matcher output for one document.
type MatchResult struct {
	Candidates []model.TariffLineItemCandidate
	// Coverage is the share of tariff-bearing lines that produced a candidate
	// at or above MinItemConfidence. A text without bearing lines has
	// coverage 1.
	Coverage     float64
	BearingLines int
	MatchedLines int
}

// NewMatcher creates a matcher that reads the current dictionary from holder
// on every call, so a reload takes effect on the next document.
func NewMatcher(holder *Holder, opts Options) *Matcher {
	if opts.RangePolicy == "" {
		opts.RangePolicy = RangeLower
	}
	return &Matcher{holder: holder, opts: opts}
}

// Normalizer returns a normalizer over the current dictionary.
func (m *Matcher) Normalizer() Normalizer {
	return Normalizer{Dict: m.holder.Load(), FuzzyMaxDistance: m.opts.FuzzyMaxDistance}
}

type heading struct {
	charge model.ChargeType
	score  float64
	raw    string
}

// Match scans text line by line. Lines containing a digit are tariff-bearing.
// A line without digits that names a charge type is a heading; its charge
// type applies to following lines that do not name one themselves.
func (m *Matcher) Match(text string) MatchResult {
	n := m.Normalizer()
	dec := decimalConvention(text)
	var (
		res     MatchResult
		current *heading
		start   int
	)

	for start <= len(text) {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += start
		}
		line := text[start:end]
		lineStart := start
		start = end + 1

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		offset := lineStart + strings.Index(line, trimmed)

		if !hasDigit(trimmed) {
			if h := n.findCharge(trimmed); h.charge != model.ChargeOther && h.score >= ScoreContained {
				current = &heading{charge: h.charge, score: h.score, raw: trimmed}
			}
			continue
		}

		res.BearingLines++
		c, ok := m.matchLine(n, trimmed, current, dec)
		if !ok {
			continue
		}
		c.Span = model.Span{Offset: offset, Length: len(trimmed)}
		res.Candidates = append(res.Candidates, c)
		if c.Confidence >= m.opts.MinItemConfidence {
			res.MatchedLines++
		}
	}

	res.Coverage = 1
	if res.BearingLines > 0 {
		res.Coverage = float64(res.MatchedLines) / float64(res.BearingLines)
	}
	return res
}

func (m *Matcher) matchLine(n Normalizer, line string, current *heading, dec byte) (model.TariffLineItemCandidate, bool) {
	c := model.TariffLineItemCandidate{Text: line, Source: model.CandidatePattern}

	masked := line
	if sr, ok := n.ParseSizeRange(line); ok {
		c.SizeRangeMin, c.SizeRangeMax, c.SizeUnit = sr.Min, sr.Max, sr.Unit
		masked = line[:sr.Start] + strings.Repeat(" ", sr.End-sr.Start) + line[sr.End:]
	}

	cur, hasCur := n.findCurrency(masked)
	loc := pickAmount(masked, cur, hasCur)
	if loc == nil {
		return c, false
	}
	amt, err := amountFromMatch(masked, loc, m.opts.RangePolicy, dec)
	if err != nil {
		return c, false
	}

	hit := n.findCharge(masked[:loc[0]])
	if hit.charge == model.ChargeOther {
		hit = n.findCharge(masked)
	}
	score := hit.score
	c.ChargeType, c.ChargeTypeRaw = hit.charge, hit.raw
	if hit.charge == model.ChargeOther && current != nil {
		c.ChargeType, c.ChargeTypeRaw = current.charge, current.raw
		score = 0.8 * current.score
		c.Flags = append(c.Flags, model.FlagCarriedHeading)
	}
	if !hasCur && c.ChargeType == model.ChargeOther {
		return c, false
	}

	c.Amount, c.AmountRaw, c.IsRange = amt.Value, amt.Raw, amt.IsRange
	if amt.IsRange {
		c.AmountMax = amt.Max
		c.Flags = append(c.Flags, model.FlagRange)
	}

	confidence := score
	if c.ChargeType == model.ChargeOther {
		confidence = 0.3
	}
	if hasCur {
		c.Currency, c.CurrencyRaw = cur.code, masked[cur.start:cur.end]
	} else {
		confidence *= 0.5
		c.Flags = append(c.Flags, model.FlagCurrencyMissing)
	}

	unit, _, ok := n.findUnit(masked[loc[1]:])
	if !ok {
		unit, _, ok = n.findUnit(masked)
	}
	c.Unit = unit
	if !ok && !hasCur {
		return c, false
	}
	if !ok {
		confidence *= 0.85
		c.Flags = append(c.Flags, model.FlagUnitMissing)
	}
	if amt.IsRange {
		confidence *= 0.9
	}
	if amt.Ambiguous && !(hasCur && threeDecimalCurrencies[cur.code]) {
		confidence *= 0.6
		c.Flags = append(c.Flags, model.FlagAmbiguousAmount)
	}

	c.VesselType = n.VesselType(line)
	c.Confidence = clamp01(confidence)
	return c, true
}

// threeDecimalCurrencies quote three minor digits, so 1.500 is a decimal.
var threeDecimalCurrencies = map[string]bool{
	"BHD": true, "IQD": true, "JOD": true, "KWD": true, "LYD": true, "OMR": true, "TND": true,
}

// pickAmount chooses the amount match for a line: the one adjacent to the
// currency when there is one, else the first. Percentages are never amounts.
func pickAmount(s string, cur currencyHit, hasCur bool) []int {
	var first []int
	for _, loc := range amountRe.FindAllStringSubmatchIndex(s, -1) {
		if isPercent(s, loc[1]) {
			continue
		}
		if first == nil {
			first = loc
		}
		if !hasCur {
			return loc
		}
		if gap(cur.end, loc[0]) || gap(loc[1], cur.start) {
			return loc
		}
	}
	return first
}

func gap(from, to int) bool {
	d := to - from
	return d >= 0 && d <= 3
}

func isPercent(s string, i int) bool {
	rest := strings.TrimLeft(s[i:], " ")
	return strings.HasPrefix(rest, "%")
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
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
