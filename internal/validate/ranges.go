package validate

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tariff-cli/internal/model"
)

//go:embed ranges.yaml
var defaultRanges []byte

// Bound is an inclusive amount interval.
type Bound struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies within the bound.
func (b Bound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Rule bounds amounts for one charge type, optionally narrowed to a unit and
// to a quoted currency.
type Rule struct {
	ChargeType model.ChargeType `yaml:"charge_type"`
	Unit       model.Unit       `yaml:"unit"`
	Currency   string           `yaml:"currency"`
	Bound      `yaml:",inline"`
}

// Tables holds the range rules and the compatibility tables the validator
// checks against.
type Tables struct {
	BaseCurrency      string                            `yaml:"base_currency"`
	Default           Bound                             `yaml:"default"`
	Rules             []Rule                            `yaml:"rules"`
	UnitCompatibility map[model.ChargeType][]model.Unit `yaml:"unit_compatibility"`
	SizeUnits         map[model.Unit]string             `yaml:"size_units"`
}

// DefaultTables returns the embedded tables.
func DefaultTables() *Tables {
	t, err := ParseTables(defaultRanges)
	if err != nil {
		panic("validate: embedded ranges are invalid: " + err.Error())
	}
	return t
}

// LoadTables reads a ranges file. An empty path returns the embedded default.
func LoadTables(path string) (*Tables, error) {
	if path == "" {
		return DefaultTables(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "validate: read ranges %s", path)
	}
	t, err := ParseTables(data)
	if err != nil {
		return nil, eris.Wrapf(err, "validate: %s", path)
	}
	return t, nil
}

// ParseTables parses and checks a ranges document.
func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "parse ranges")
	}
	t.BaseCurrency = strings.ToUpper(t.BaseCurrency)
	if t.BaseCurrency == "" {
		return nil, eris.New("ranges: base_currency is required")
	}
	if t.Default.Max <= 0 || t.Default.Min > t.Default.Max {
		return nil, eris.Errorf("ranges: invalid default bound [%g, %g]", t.Default.Min, t.Default.Max)
	}
	for i := range t.Rules {
		r := &t.Rules[i]
		r.Currency = strings.ToUpper(r.Currency)
		if r.ChargeType == "" {
			return nil, eris.Errorf("ranges: rule %d has no charge_type", i)
		}
		if r.Min > r.Max {
			return nil, eris.Errorf("ranges: rule %d (%s) has min %g > max %g", i, r.ChargeType, r.Min, r.Max)
		}
	}
	return &t, nil
}

// Match returns the most specific rule for a charge. A rule naming a
// currency or unit only matches that currency or unit.
func (t *Tables) Match(charge model.ChargeType, unit model.Unit, currency string) (Rule, bool) {
	currency = strings.ToUpper(currency)
	best, bestScore := -1, -1
	for i, r := range t.Rules {
		if r.ChargeType != charge {
			continue
		}
		score := 0
		if r.Currency != "" {
			if r.Currency != currency {
				continue
			}
			score += 2
		}
		if r.Unit != "" {
			if r.Unit != unit {
				continue
			}
			score++
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Rule{}, false
	}
	return t.Rules[best], true
}

// UnitAllowed reports whether charge may be priced in unit.
func (t *Tables) UnitAllowed(charge model.ChargeType, unit model.Unit) bool {
	allowed, ok := t.UnitCompatibility[charge]
	if !ok {
		return true
	}
	for _, u := range allowed {
		if u == unit {
			return true
		}
	}
	return false
}

// SizeUnitFor returns the size unit a size-based pricing unit multiplies by.
func (t *Tables) SizeUnitFor(unit model.Unit) (string, bool) {
	s, ok := t.SizeUnits[unit]
	return s, ok
}
