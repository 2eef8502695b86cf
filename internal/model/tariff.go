package model

import (
	"fmt"
	"math"
	"time"
)

// ChargeType is a canonical port charge category.
type ChargeType string

const (
	ChargePortDues      ChargeType = "PORT_DUES"
	ChargePilotage      ChargeType = "PILOTAGE"
	ChargeTowage        ChargeType = "TOWAGE"
	ChargeBerthing      ChargeType = "BERTHING"
	ChargeMooring       ChargeType = "MOORING"
	ChargeAnchorage     ChargeType = "ANCHORAGE"
	ChargeLightDues     ChargeType = "LIGHT_DUES"
	ChargeWharfage      ChargeType = "WHARFAGE"
	ChargeTonnageDues   ChargeType = "TONNAGE_DUES"
	ChargeAgencyFee     ChargeType = "AGENCY_FEE"
	ChargeGarbage       ChargeType = "GARBAGE"
	ChargeFreshWater    ChargeType = "FRESH_WATER"
	ChargeSecurity      ChargeType = "SECURITY"
	ChargeQuarantine    ChargeType = "QUARANTINE"
	ChargeDocumentation ChargeType = "DOCUMENTATION"
	ChargeOther         ChargeType = "OTHER"
)

// Unit is a canonical pricing unit.
type Unit string

const (
	UnitPerCall  Unit = "PER_CALL"
	UnitPerGT    Unit = "PER_GT"
	UnitPerDWT   Unit = "PER_DWT"
	UnitPerNRT   Unit = "PER_NRT"
	UnitPerDay   Unit = "PER_DAY"
	UnitPerHour  Unit = "PER_HOUR"
	UnitPerCBM   Unit = "PER_CBM"
	UnitPerTonne Unit = "PER_TONNE"
	UnitPerTEU   Unit = "PER_TEU"
	UnitPerMeter Unit = "PER_METER"
	UnitPerMove  Unit = "PER_MOVE"
	UnitFlatFee  Unit = "FLAT_FEE"
)

// SizeBased reports whether the unit prices by vessel size and therefore
// needs an applicable size bracket.
func (u Unit) SizeBased() bool {
	switch u {
	case UnitPerGT, UnitPerDWT, UnitPerNRT:
		return true
	}
	return false
}

// DataSource records how a tariff record was produced.
type DataSource string

const (
	SourceRealScraped   DataSource = "REAL_SCRAPED"
	SourceLLMStructured DataSource = "LLM_STRUCTURED"
	SourceManual        DataSource = "MANUAL"
)

// RecordStatus is the lifecycle state of a persisted tariff record.
type RecordStatus string

const (
	RecordActive     RecordStatus = "active"
	RecordSuperseded RecordStatus = "superseded"
	RecordReview     RecordStatus = "review"
	RecordRejected   RecordStatus = "rejected"
)

// CandidateSource identifies which stage produced a candidate.
type CandidateSource string

const (
	CandidatePattern CandidateSource = "pattern"
	CandidateLLM     CandidateSource = "llm"
)

// Span is a byte range into ExtractionResult.RawText.
type Span struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// End returns the exclusive end offset.
func (s Span) End() int { return s.Offset + s.Length }

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Offset < o.End() && o.Offset < s.End()
}

// Candidate flags.
const (
	// FlagDisagreement marks a candidate where the LLM and the pattern
	// matcher read the same span differently.
	FlagDisagreement    = "llm_pattern_disagreement"
	FlagCarriedHeading  = "carried_heading"
	FlagCurrencyMissing = "currency_missing"
	FlagUnitMissing     = "unit_missing"
	FlagRange           = "range"
	// FlagAmbiguousAmount marks an amount such as 1.500 that reads as either
	// 1.5 or 1500.
	FlagAmbiguousAmount = "ambiguous_amount"
)

// HasFlag reports whether the candidate carries flag.
func (c *TariffLineItemCandidate) HasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// TariffLineItemCandidate is an unvalidated line item produced by the pattern
// matcher or the LLM structurer.
type TariffLineItemCandidate struct {
	ChargeTypeRaw string          `json:"charge_type_raw"`
	ChargeType    ChargeType      `json:"charge_type"`
	AmountRaw     string          `json:"amount_raw"`
	Amount        float64         `json:"amount"`
	AmountMax     *float64        `json:"amount_max,omitempty"`
	IsRange       bool            `json:"is_range,omitempty"`
	CurrencyRaw   string          `json:"currency_raw"`
	Currency      string          `json:"currency"`
	Unit          Unit            `json:"unit"`
	SizeRangeMin  *float64        `json:"size_range_min,omitempty"`
	SizeRangeMax  *float64        `json:"size_range_max,omitempty"`
	SizeUnit      string          `json:"size_unit,omitempty"`
	VesselType    string          `json:"vessel_type,omitempty"`
	Span          Span            `json:"source_span"`
	Text          string          `json:"text"`
	Confidence    float64         `json:"confidence"`
	Source        CandidateSource `json:"source"`
	Flags         []string        `json:"flags,omitempty"`
}

// DataSource maps the candidate origin to the persisted data source.
func (c *TariffLineItemCandidate) DataSource() DataSource {
	if c.Source == CandidateLLM {
		return SourceLLMStructured
	}
	return SourceRealScraped
}

// Key returns the uniqueness key for an active record built from c.
func (c *TariffLineItemCandidate) Key(portID string) TariffKey {
	return TariffKey{
		PortID:       portID,
		ChargeType:   c.ChargeType,
		Unit:         c.Unit,
		SizeRangeMin: c.SizeRangeMin,
		SizeRangeMax: c.SizeRangeMax,
	}
}

// TariffKey identifies the single active record for a charge.
type TariffKey struct {
	PortID       string
	ChargeType   ChargeType
	Unit         Unit
	SizeRangeMin *float64
	SizeRangeMax *float64
}

// String renders the key for logs and error messages.
func (k TariffKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s-%s", k.PortID, k.ChargeType, k.Unit, fmtBound(k.SizeRangeMin), fmtBound(k.SizeRangeMax))
}

// SizeMinValue returns the lower bound for storage, using -1 for "unbounded".
func (k TariffKey) SizeMinValue() float64 { return boundValue(k.SizeRangeMin) }

// SizeMaxValue returns the upper bound for storage, using -1 for "unbounded".
func (k TariffKey) SizeMaxValue() float64 { return boundValue(k.SizeRangeMax) }

func boundValue(v *float64) float64 {
	if v == nil {
		return -1
	}
	return *v
}

func fmtBound(v *float64) string {
	if v == nil {
		return "*"
	}
	return fmt.Sprintf("%g", *v)
}

// TariffRecord is a persisted, validated tariff line. Records are never
// deleted; a change inserts a new record that supersedes the old one.
type TariffRecord struct {
	ID                 string       `json:"id"`
	PortID             string       `json:"port_id"`
	ChargeType         ChargeType   `json:"charge_type"`
	Amount             float64      `json:"amount"`
	AmountMax          *float64     `json:"amount_max,omitempty"`
	Currency           string       `json:"currency"`
	BaseCurrency       string       `json:"base_currency"`
	BaseCurrencyAmount *float64     `json:"base_currency_amount,omitempty"`
	Unit               Unit         `json:"unit"`
	SizeRangeMin       *float64     `json:"size_range_min,omitempty"`
	SizeRangeMax       *float64     `json:"size_range_max,omitempty"`
	SizeUnit           string       `json:"size_unit,omitempty"`
	VesselType         string       `json:"vessel_type,omitempty"`
	DataSource         DataSource   `json:"data_source"`
	EffectiveDate      time.Time    `json:"effective_date"`
	EffectiveTo        *time.Time   `json:"effective_to,omitempty"`
	ConfidenceScore    float64      `json:"confidence_score"`
	Degraded           bool         `json:"degraded"`
	Status             RecordStatus `json:"status"`
	ReviewReason       string       `json:"review_reason,omitempty"`
	SupersedesID       *string      `json:"supersedes_id,omitempty"`
	DocumentID         string       `json:"document_id,omitempty"`
	SourceSpan         Span         `json:"source_span"`
	RawText            string       `json:"raw_text,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

// Key returns the record's uniqueness key.
func (r *TariffRecord) Key() TariffKey {
	return TariffKey{
		PortID:       r.PortID,
		ChargeType:   r.ChargeType,
		Unit:         r.Unit,
		SizeRangeMin: r.SizeRangeMin,
		SizeRangeMax: r.SizeRangeMax,
	}
}

// PercentChange returns the relative change from old to new as a fraction
// (0.6 for +60%). A zero old amount yields +Inf for any positive new amount.
func PercentChange(oldAmount, newAmount float64) float64 {
	if oldAmount == 0 {
		if newAmount == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return (newAmount - oldAmount) / oldAmount
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 { return &v }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
