package model

import (
	"strings"
	"time"
)

// DocumentType describes how a source document was produced.
type DocumentType string

const (
	DocumentDigitalPDF DocumentType = "digital_pdf"
	DocumentScannedPDF DocumentType = "scanned_pdf"
	DocumentPlaintext  DocumentType = "plaintext"
)

// Valid reports whether t is one of the known document types.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentDigitalPDF, DocumentScannedPDF, DocumentPlaintext:
		return true
	}
	return false
}

// SourceDocument is an immutable tariff document supplied by an acquisition
// subsystem. Its identity is ContentHash.
type SourceDocument struct {
	ID           string       `json:"id"`
	PortCode     string       `json:"port_code"`
	BlobPath     string       `json:"blob_path"`
	ContentHash  string       `json:"content_hash"`
	DocumentType DocumentType `json:"document_type"`
	SourceURL    string       `json:"source_url,omitempty"`
	RetrievedAt  time.Time    `json:"retrieved_at"`
}

// CountryCode returns the ISO 3166 country prefix of the UN/LOCODE port code,
// or "" when the code is too short to carry one.
func (d SourceDocument) CountryCode() string {
	return CountryFromPort(d.PortCode)
}

// CountryFromPort extracts the two-letter country prefix from a UN/LOCODE.
func CountryFromPort(portCode string) string {
	code := strings.ToUpper(strings.TrimSpace(portCode))
	if len(code) < 5 {
		return ""
	}
	return code[:2]
}

// ExtractionMethod records which extraction path produced the raw text.
type ExtractionMethod string

const (
	MethodTextLayer      ExtractionMethod = "text_layer"
	MethodOCR            ExtractionMethod = "ocr"
	MethodFallbackManual ExtractionMethod = "fallback_manual"
)

// Valid reports whether m is one of the three extraction methods.
func (m ExtractionMethod) Valid() bool {
	switch m {
	case MethodTextLayer, MethodOCR, MethodFallbackManual:
		return true
	}
	return false
}

// ExtractionResult is the output of a single extraction attempt.
type ExtractionResult struct {
	DocumentID string           `json:"document_id"`
	Method     ExtractionMethod `json:"method"`
	RawText    string           `json:"raw_text"`
	Confidence float64          `json:"confidence"`
	PageCount  int              `json:"page_count"`
	Density    float64          `json:"density"`
	Engine     string           `json:"engine,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ProducesCandidates reports whether automatic line-item extraction should
// run on this result.
func (r *ExtractionResult) ProducesCandidates() bool {
	return r != nil && r.Method != MethodFallbackManual
}
