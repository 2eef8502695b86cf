package pattern

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agext/levenshtein"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Match scores for charge type normalization.
const (
	ScoreExact     = 1.0
	ScoreContained = 0.9
	ScoreFuzzy     = 0.7
)

// Normalizer maps raw strings onto the dictionary vocabulary.
type Normalizer struct {
	Dict *Dictionary
	// FuzzyMaxDistance is the Levenshtein distance tolerated for single-word
	// charge synonyms of five or more runes. Zero disables fuzzy matching.
	FuzzyMaxDistance int
}

// chargeHit is where a charge synonym was found in a line.
type chargeHit struct {
	charge model.ChargeType
	score  float64
	pos    int
	raw    string
}

// NormalizeChargeType returns the canonical charge type for raw and a score:
// 1.0 for an exact synonym, 0.9 when a synonym is contained, 0.7 for a fuzzy
// match. Unknown labels return OTHER with score 0.
func (n Normalizer) NormalizeChargeType(raw string) (model.ChargeType, float64) {
	h := n.findCharge(raw)
	return h.charge, h.score
}

func (n Normalizer) findCharge(raw string) chargeHit {
	w := words(raw)
	miss := chargeHit{charge: model.ChargeOther, pos: -1}
	if w == "" {
		return miss
	}

	for _, p := range n.Dict.charges {
		if w == p.text {
			return chargeHit{charge: model.ChargeType(p.target), score: ScoreExact, pos: 0, raw: p.text}
		}
	}

	best := miss
	for _, p := range n.Dict.charges {
		i := containsPhrase(w, p.text)
		if i < 0 {
			continue
		}
		// Phrases are sorted longest first, so on a tie in position the
		// longer phrase wins.
		if best.pos < 0 || i < best.pos {
			best = chargeHit{charge: model.ChargeType(p.target), score: ScoreContained, pos: i, raw: p.text}
		}
	}
	if best.pos >= 0 {
		return best
	}

	if n.FuzzyMaxDistance <= 0 {
		return miss
	}
	bestDist := n.FuzzyMaxDistance + 1
	for i, tok := range strings.Fields(w) {
		if utf8.RuneCountInString(tok) < 5 || !isAlpha(tok) {
			continue
		}
		for _, p := range n.Dict.chargeWord {
			d := levenshtein.Distance(tok, p.text, nil)
			if d <= n.FuzzyMaxDistance && d < bestDist {
				bestDist = d
				best = chargeHit{charge: model.ChargeType(p.target), score: ScoreFuzzy, pos: i, raw: tok}
			}
		}
	}
	if best.pos >= 0 {
		return best
	}
	return miss
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// NormalizeUnit maps a pricing basis to a canonical unit. Unknown bases
// return FLAT_FEE and false.
func (n Normalizer) NormalizeUnit(raw string) (model.Unit, bool) {
	u, _, ok := n.findUnit(raw)
	return u, ok
}

func (n Normalizer) findUnit(raw string) (model.Unit, int, bool) {
	w := words(raw)
	if w == "" {
		return model.UnitFlatFee, -1, false
	}
	best, pos := "", -1
	for _, p := range n.Dict.units {
		if i := containsPhrase(w, p.text); i >= 0 && (pos < 0 || i < pos) {
			best, pos = p.target, i
		}
	}
	if pos < 0 {
		return model.UnitFlatFee, -1, false
	}
	return model.Unit(best), pos, true
}

// currencyHit is a currency alias located in a line.
type currencyHit struct {
	code       string
	start, end int
}

// NormalizeCurrency maps an ISO code, symbol or alias to an ISO code.
func (n Normalizer) NormalizeCurrency(raw string) (string, bool) {
	folded := Fold(raw)
	if code, ok := n.Dict.aliasCode[folded]; ok {
		return code, true
	}
	if h, ok := n.findCurrency(raw); ok {
		return h.code, true
	}
	return "", false
}

// findCurrency returns the leftmost currency alias in s, preferring the
// longest alias at a position. Letter-edged aliases must sit on word
// boundaries so "euro" does not match inside "europe".
func (n Normalizer) findCurrency(s string) (currencyHit, bool) {
	var (
		best  currencyHit
		found bool
	)
	for _, a := range n.Dict.currencies {
		for _, loc := range a.re.FindAllStringIndex(s, -1) {
			if a.leftWord && loc[0] > 0 {
				r, _ := utf8.DecodeLastRuneInString(s[:loc[0]])
				if unicode.IsLetter(r) {
					continue
				}
			}
			if a.rightWord && loc[1] < len(s) {
				r, _ := utf8.DecodeRuneInString(s[loc[1]:])
				if unicode.IsLetter(r) {
					continue
				}
			}
			if !found || loc[0] < best.start || (loc[0] == best.start && loc[1] > best.end) {
				best = currencyHit{code: a.code, start: loc[0], end: loc[1]}
				found = true
			}
			break
		}
	}
	return best, found
}

// VesselType returns the vessel category named in raw, if any.
func (n Normalizer) VesselType(raw string) string {
	w := words(raw)
	for _, p := range n.Dict.vessels {
		if containsPhrase(w, p.text) >= 0 {
			return p.target
		}
	}
	return ""
}
