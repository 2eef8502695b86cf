package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"
	maxMistralResponse  = 64 << 20
)

// MistralOCR sends scans to the Mistral OCR API. Pages come back as
// markdown; tables are flattened to one row per line so amounts stay next to
// their charge names.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewMistralOCR creates a MistralOCR engine. An empty model selects the
// latest OCR model.
func NewMistralOCR(apiKey, model string) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	return &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralOCREndpoint,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

type mistralRequest struct {
	Model    string          `json:"model"`
	Document mistralDocument `json:"document"`
}

type mistralDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type mistralResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// Name implements Engine.
func (m *MistralOCR) Name() string { return "mistral" }

// Recognize implements Engine for PDFs and PNG or JPEG scans.
func (m *MistralOCR) Recognize(ctx context.Context, path string) (*Result, error) {
	doc, err := mistralPayload(path)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(mistralRequest{Model: m.model, Document: doc})
	if err != nil {
		return nil, eris.Wrap(err, "ocr: encode mistral request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: build mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ocr: mistral request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMistralResponse))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: read mistral response")
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := eris.Errorf("ocr: mistral returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}

	var out mistralResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "ocr: decode mistral response")
	}
	sort.Slice(out.Pages, func(i, j int) bool { return out.Pages[i].Index < out.Pages[j].Index })

	pages := make([]string, 0, len(out.Pages))
	var weighted, chars float64
	for _, p := range out.Pages {
		text := flattenMarkdown(p.Markdown)
		pages = append(pages, text)
		n := float64(len([]rune(text)))
		weighted += heuristicConfidence(text) * n
		chars += n
	}
	res := &Result{Text: strings.Join(pages, "\n\n"), Pages: len(pages), Engine: m.Name()}
	if chars > 0 {
		res.Confidence = weighted / chars
	}
	return res, nil
}

func mistralPayload(path string) (mistralDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return mistralDocument{}, eris.Wrapf(err, "ocr: read scan %s", path)
	}
	enc := base64.StdEncoding.EncodeToString(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return mistralDocument{Type: "image_url", ImageURL: "data:image/png;base64," + enc}, nil
	case ".jpg", ".jpeg":
		return mistralDocument{Type: "image_url", ImageURL: "data:image/jpeg;base64," + enc}, nil
	default:
		return mistralDocument{Type: "document_url", DocumentURL: "data:application/pdf;base64," + enc}, nil
	}
}

// flattenMarkdown turns "| Pilotage | USD 250 |" rows into "Pilotage  USD 250"
// and drops the header separator rows.
func flattenMarkdown(md string) string {
	lines := strings.Split(md, "\n")
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "|") {
			out = append(out, line)
			continue
		}
		if strings.Trim(trimmed, "|-: ") == "" {
			continue
		}
		var cells []string
		for _, c := range strings.Split(strings.Trim(trimmed, "|"), "|") {
			if c = strings.TrimSpace(c); c != "" {
				cells = append(cells, c)
			}
		}
		out = append(out, strings.Join(cells, "  "))
	}
	return strings.Join(out, "\n")
}

// heuristicConfidence scores text by the share of letters, digits, spaces and
// common punctuation. Garbled recognition produces symbol soup and replacement
// characters.
func heuristicConfidence(text string) float64 {
	var total, good int
	for _, r := range text {
		total++
		switch {
		case r == unicode.ReplacementChar:
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			good++
		case strings.ContainsRune(".,:;-/()%$€£|#*", r):
			good++
		}
	}
	if total == 0 {
		return 0
	}
	return clamp01(0.9 * float64(good) / float64(total))
}
