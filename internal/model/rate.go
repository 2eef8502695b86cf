package model

import "time"

// ExchangeRate is one cached currency pair quote: 1 Base = Rate Quote.
type ExchangeRate struct {
	Base   string    `json:"base"`
	Quote  string    `json:"quote"`
	Rate   float64   `json:"rate"`
	AsOf   time.Time `json:"as_of"`
	Source string    `json:"source,omitempty"`
}

// Pair returns the "BASE/QUOTE" cache key.
func (r ExchangeRate) Pair() string { return r.Base + "/" + r.Quote }

// SourceState tracks the scheduler's last visit to a document source.
type SourceState struct {
	Name          string     `json:"name"`
	ETag          string     `json:"etag,omitempty"`
	LastHash      string     `json:"last_hash,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	LastEnqueued  *time.Time `json:"last_enqueued_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}
