// Package pattern finds tariff line items in extracted text with a
// data-driven dictionary of charge types, units, currencies and size units.
package pattern

import (
	_ "embed"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tariff-cli/internal/model"
)

//go:embed dictionary.yaml
var defaultDictionary []byte

type dictionaryFile struct {
	ChargeTypes       map[string][]string `yaml:"charge_types"`
	Units             map[string][]string `yaml:"units"`
	Currencies        map[string][]string `yaml:"currencies"`
	SizeUnits         map[string][]string `yaml:"size_units"`
	VesselTypes       map[string][]string `yaml:"vessel_types"`
	CountryCurrencies map[string][]string `yaml:"country_currencies"`
}

// phrase is a folded synonym and the canonical value it maps to.
type phrase struct {
	text   string
	target string
}

type currencyAlias struct {
	re         *regexp.Regexp
	code       string
	leftWord   bool
	rightWord  bool
	aliasRunes int
}

// Dictionary is a compiled, immutable vocabulary.
type Dictionary struct {
	charges    []phrase
	chargeWord []phrase
	units      []phrase
	vessels    []phrase
	sizeUnits  map[string]string
	currencies []currencyAlias
	aliasCode  map[string]string
	codes      map[string]bool
	countries  map[string][]string

	chargeNames []string
	unitNames   []string

	sizeRange   *regexp.Regexp
	sizeUpTo    *regexp.Regexp
	sizeOver    *regexp.Regexp
	sizeAndOver *regexp.Regexp
	sizePlus    *regexp.Regexp
}

// DefaultDictionary returns the embedded dictionary.
func DefaultDictionary() *Dictionary {
	d, err := ParseDictionary(defaultDictionary)
	if err != nil {
		panic("pattern: embedded dictionary is invalid: " + err.Error())
	}
	return d
}

// LoadDictionary reads a dictionary file. An empty path returns the embedded
// default.
func LoadDictionary(path string) (*Dictionary, error) {
	if path == "" {
		return DefaultDictionary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pattern: read dictionary %s", path)
	}
	d, err := ParseDictionary(data)
	if err != nil {
		return nil, eris.Wrapf(err, "pattern: dictionary %s", path)
	}
	return d, nil
}

var canonicalUnits = map[model.Unit]bool{
	model.UnitPerCall: true, model.UnitPerGT: true, model.UnitPerDWT: true, model.UnitPerNRT: true,
	model.UnitPerDay: true, model.UnitPerHour: true, model.UnitPerCBM: true, model.UnitPerTonne: true,
	model.UnitPerTEU: true, model.UnitPerMeter: true, model.UnitPerMove: true, model.UnitFlatFee: true,
}

// ParseDictionary compiles a YAML dictionary.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var f dictionaryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "pattern: parse dictionary")
	}
	if len(f.ChargeTypes) == 0 || len(f.Currencies) == 0 || len(f.Units) == 0 {
		return nil, eris.New("pattern: dictionary needs charge_types, units and currencies")
	}

	d := &Dictionary{
		sizeUnits: make(map[string]string),
		aliasCode: make(map[string]string),
		codes:     make(map[string]bool),
		countries: make(map[string][]string),
	}

	for name, syns := range f.ChargeTypes {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" || name == string(model.ChargeOther) {
			return nil, eris.Errorf("pattern: invalid charge type key %q", name)
		}
		d.chargeNames = append(d.chargeNames, name)
		all := append([]string{strings.ReplaceAll(strings.ToLower(name), "_", " ")}, syns...)
		for _, s := range all {
			w := words(s)
			if w == "" {
				continue
			}
			d.charges = append(d.charges, phrase{text: w, target: name})
			if !strings.Contains(w, " ") && utf8.RuneCountInString(w) >= 5 {
				d.chargeWord = append(d.chargeWord, phrase{text: w, target: name})
			}
		}
	}

	for name, syns := range f.Units {
		if !canonicalUnits[model.Unit(name)] {
			return nil, eris.Errorf("pattern: unknown unit %q", name)
		}
		d.unitNames = append(d.unitNames, name)
		for _, s := range syns {
			if w := words(s); w != "" {
				d.units = append(d.units, phrase{text: w, target: name})
			}
		}
	}

	for code, aliases := range f.Currencies {
		code = strings.ToUpper(strings.TrimSpace(code))
		if len(code) != 3 {
			return nil, eris.Errorf("pattern: currency code %q is not ISO 4217", code)
		}
		d.codes[code] = true
		for _, a := range append([]string{code}, aliases...) {
			folded := Fold(a)
			if folded == "" {
				continue
			}
			d.aliasCode[folded] = code
			first, _ := utf8.DecodeRuneInString(folded)
			last, _ := utf8.DecodeLastRuneInString(folded)
			d.currencies = append(d.currencies, currencyAlias{
				re:         regexp.MustCompile(`(?i)` + regexp.QuoteMeta(a)),
				code:       code,
				leftWord:   unicode.IsLetter(first),
				rightWord:  unicode.IsLetter(last),
				aliasRunes: utf8.RuneCountInString(folded),
			})
		}
	}

	var sizeAlts []string
	for name, syns := range f.SizeUnits {
		name = strings.ToUpper(name)
		for _, s := range append([]string{name}, syns...) {
			d.sizeUnits[Fold(s)] = name
			sizeAlts = append(sizeAlts, regexp.QuoteMeta(Fold(s)))
		}
	}

	for name, syns := range f.VesselTypes {
		for _, s := range syns {
			if w := words(s); w != "" {
				d.vessels = append(d.vessels, phrase{text: w, target: name})
			}
		}
	}

	for country, codes := range f.CountryCurrencies {
		for _, c := range codes {
			d.countries[strings.ToUpper(country)] = append(d.countries[strings.ToUpper(country)], strings.ToUpper(c))
		}
	}

	byLen := func(p []phrase) {
		sort.SliceStable(p, func(i, j int) bool {
			if len(p[i].text) != len(p[j].text) {
				return len(p[i].text) > len(p[j].text)
			}
			return p[i].text < p[j].text
		})
	}
	byLen(d.charges)
	byLen(d.chargeWord)
	byLen(d.units)
	byLen(d.vessels)
	sort.SliceStable(d.currencies, func(i, j int) bool {
		return d.currencies[i].aliasRunes > d.currencies[j].aliasRunes
	})
	sort.Strings(d.chargeNames)
	sort.Strings(d.unitNames)

	if len(sizeAlts) > 0 {
		d.compileSizeRegexps(sizeAlts)
	}
	return d, nil
}

func (d *Dictionary) compileSizeRegexps(alts []string) {
	sort.Slice(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
	u := `(` + strings.Join(alts, "|") + `)`
	n := `(` + numPattern + `)`
	d.sizeRange = regexp.MustCompile(`(?i)(?:between\s+)?` + n + `\s*(?:-|–|—|to|and)\s*` + n + `\s*` + u + `\b`)
	d.sizeUpTo = regexp.MustCompile(`(?i)(?:up\s+to|upto|below|under|less\s+than|not\s+exceeding|max(?:imum)?|<=?|≤)\s*` + n + `\s*` + u + `\b`)
	d.sizeOver = regexp.MustCompile(`(?i)(?:over|above|exceeding|more\s+than|greater\s+than|>=?|≥)\s*` + n + `\s*` + u + `\b`)
	d.sizeAndOver = regexp.MustCompile(`(?i)` + n + `\s*` + u + `\s*(?:and|&)\s*(?:above|over|more)`)
	d.sizePlus = regexp.MustCompile(`(?i)` + n + `\s*\+\s*` + u + `\b`)
}

// ChargeTypes lists the canonical charge types, excluding OTHER.
func (d *Dictionary) ChargeTypes() []string { return append([]string(nil), d.chargeNames...) }

// Units lists the canonical units.
func (d *Dictionary) Units() []string { return append([]string(nil), d.unitNames...) }

// SupportedCurrencies lists the ISO codes the dictionary recognizes.
func (d *Dictionary) SupportedCurrencies() []string {
	out := make([]string, 0, len(d.codes))
	for c := range d.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// IsCurrency reports whether code is a recognized ISO code.
func (d *Dictionary) IsCurrency(code string) bool { return d.codes[strings.ToUpper(code)] }

// CountryCurrencies returns the currencies a port in country may quote, or
// nil when the country is unknown.
func (d *Dictionary) CountryCurrencies(country string) []string {
	return d.countries[strings.ToUpper(country)]
}

// Holder publishes the current dictionary to concurrent readers and lets a
// watcher swap it.
type Holder struct {
	p atomic.Pointer[Dictionary]
}

// NewHolder creates a holder with an initial dictionary.
func NewHolder(d *Dictionary) *Holder {
	h := &Holder{}
	h.p.Store(d)
	return h
}

// Load returns the current dictionary.
func (h *Holder) Load() *Dictionary { return h.p.Load() }

// Store replaces the dictionary.
func (h *Holder) Store(d *Dictionary) { h.p.Store(d) }
