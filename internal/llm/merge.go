package llm

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Precedence decides which source wins where pattern and LLM items overlap.
type Precedence string

const (
	// PrecedenceLowConfidence lets the LLM replace a pattern item only when
	// the pattern item's confidence is below the threshold. Otherwise the
	// pattern item is kept and flagged if the two disagree.
	PrecedenceLowConfidence Precedence = "low_confidence"
	PrecedenceLLM           Precedence = "llm"
	PrecedencePattern       Precedence = "pattern"
)

// ParsePrecedence validates a configured precedence. Empty means
// low_confidence.
func ParsePrecedence(s string) (Precedence, error) {
	switch Precedence(s) {
	case "":
		return PrecedenceLowConfidence, nil
	case PrecedenceLowConfidence, PrecedenceLLM, PrecedencePattern:
		return Precedence(s), nil
	}
	return "", eris.Errorf("llm: unknown precedence %q", s)
}

// Merge combines pattern and LLM candidates. Items are matched by
// overlapping source spans; an LLM item whose text could not be located has
// an empty span and never overlaps. The result is ordered by span offset.
func Merge(patternItems, llmItems []model.TariffLineItemCandidate, precedence Precedence, lowConfidence float64) []model.TariffLineItemCandidate {
	used := make([]bool, len(llmItems))
	var out []model.TariffLineItemCandidate

	for _, p := range patternItems {
		var hits []int
		for i, l := range llmItems {
			if overlaps(p.Span, l.Span) {
				hits = append(hits, i)
			}
		}
		if len(hits) == 0 {
			out = append(out, p)
			continue
		}

		switch precedence {
		case PrecedencePattern:
			out = append(out, p)
			markUsed(used, hits)
		case PrecedenceLLM:
			// LLM items are appended below.
		default:
			if p.Confidence < lowConfidence {
				continue
			}
			for _, i := range hits {
				if disagree(p, llmItems[i]) {
					p.Flags = append(p.Flags, model.FlagDisagreement)
					break
				}
			}
			out = append(out, p)
			markUsed(used, hits)
		}
	}

	for i, l := range llmItems {
		if !used[i] {
			out = append(out, l)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Span.Offset < out[j].Span.Offset })
	return out
}

func markUsed(used []bool, idx []int) {
	for _, i := range idx {
		used[i] = true
	}
}

func overlaps(a, b model.Span) bool {
	return a.Length > 0 && b.Length > 0 && a.Overlaps(b)
}

// disagree reports whether two readings of the same span differ in a field
// that would change the stored record.
func disagree(a, b model.TariffLineItemCandidate) bool {
	if a.ChargeType != b.ChargeType || a.Unit != b.Unit {
		return true
	}
	if a.Currency != "" && b.Currency != "" && a.Currency != b.Currency {
		return true
	}
	return math.Abs(a.Amount-b.Amount) > 1e-6*math.Max(1, math.Abs(a.Amount))
}
