package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/pattern"
)

// itemsSchema returns the response schema with enums drawn from the
// dictionary vocabulary.
func itemsSchema(d *pattern.Dictionary) map[string]any {
	charges := append(d.ChargeTypes(), string(model.ChargeOther))
	nullableNumber := map[string]any{"type": []string{"number", "null"}, "minimum": 0}
	nullableString := map[string]any{"type": []string{"string", "null"}}

	return map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": []string{"items"},
		"properties": map[string]any{
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"charge_type", "amount", "currency", "unit", "source_text"},
					"properties": map[string]any{
						"charge_type":     map[string]any{"type": "string", "enum": charges},
						"charge_type_raw": map[string]any{"type": "string"},
						"amount":          map[string]any{"type": "number", "exclusiveMinimum": 0},
						"amount_max":      nullableNumber,
						"currency":        map[string]any{"type": "string", "enum": d.SupportedCurrencies()},
						"unit":            map[string]any{"type": "string", "enum": d.Units()},
						"size_range_min":  nullableNumber,
						"size_range_max":  nullableNumber,
						"size_unit":       nullableString,
						"vessel_type":     nullableString,
						"source_text":     map[string]any{"type": "string", "minLength": 1},
						"confidence":      map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					},
				},
			},
		},
	}
}

// compileSchema compiles the response schema for d.
func compileSchema(d *pattern.Dictionary) (*jsonschema.Schema, string, error) {
	b, err := json.Marshal(itemsSchema(d))
	if err != nil {
		return nil, "", eris.Wrap(err, "llm: marshal schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tariff_items.json", bytes.NewReader(b)); err != nil {
		return nil, "", eris.Wrap(err, "llm: add schema")
	}
	schema, err := compiler.Compile("tariff_items.json")
	if err != nil {
		return nil, "", eris.Wrap(err, "llm: compile schema")
	}
	return schema, string(b), nil
}

// responseItem is one line item as the model returns it.
type responseItem struct {
	ChargeType    string   `json:"charge_type"`
	ChargeTypeRaw string   `json:"charge_type_raw"`
	Amount        float64  `json:"amount"`
	AmountMax     *float64 `json:"amount_max"`
	Currency      string   `json:"currency"`
	Unit          string   `json:"unit"`
	SizeRangeMin  *float64 `json:"size_range_min"`
	SizeRangeMax  *float64 `json:"size_range_max"`
	SizeUnit      *string  `json:"size_unit"`
	VesselType    *string  `json:"vessel_type"`
	SourceText    string   `json:"source_text"`
	Confidence    *float64 `json:"confidence"`
}

type response struct {
	Items []responseItem `json:"items"`
}

// parseResponse extracts the JSON object from raw model text, checks it
// against schema and decodes it.
func parseResponse(schema *jsonschema.Schema, raw string) (*response, error) {
	text := cleanJSON(raw)
	if text == "" {
		return nil, eris.New("llm: empty response")
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, eris.Wrap(err, "llm: response is not JSON")
	}
	if err := schema.Validate(v); err != nil {
		return nil, eris.Wrap(err, "llm: response does not match schema")
	}

	var resp response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, eris.Wrap(err, "llm: decode response")
	}
	return &resp, nil
}

// cleanJSON strips code fences and surrounding prose from a model reply.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
