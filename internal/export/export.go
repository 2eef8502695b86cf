// Package export writes tariff records as CSV, JSON or XLSX.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("export: unknown format %q (want csv, json or xlsx)", s)
	}
}

// SheetName is the worksheet written by XLSX exports.
const SheetName = "Tariffs"

// Columns is the header row of tabular exports.
var Columns = []string{
	"id", "port_id", "charge_type", "amount", "amount_max", "currency",
	"base_currency", "base_amount", "unit", "size_min", "size_max", "size_unit",
	"vessel_type", "data_source", "status", "confidence", "degraded",
	"effective_date", "review_reason",
}

// Write encodes records to w in the given format.
func Write(w io.Writer, format Format, records []model.TariffRecord) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, records)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []model.TariffRecord{}
		}
		return eris.Wrap(enc.Encode(records), "export: encode json")
	case FormatXLSX:
		return writeXLSX(w, records)
	default:
		return eris.Errorf("export: unknown format %q", format)
	}
}

func writeCSV(w io.Writer, records []model.TariffRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for i := range records {
		if err := cw.Write(row(&records[i])); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

func writeXLSX(w io.Writer, records []model.TariffRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range Columns {
		header.AddCell().SetString(c)
	}
	for i := range records {
		r := &records[i]
		xr := sheet.AddRow()
		for j, v := range row(r) {
			cell := xr.AddCell()
			switch Columns[j] {
			case "amount":
				cell.SetFloat(r.Amount)
			case "confidence":
				cell.SetFloat(r.ConfidenceScore)
			default:
				cell.SetString(v)
			}
		}
	}
	return eris.Wrap(f.Write(w), "export: write xlsx")
}

// row renders r in Columns order.
func row(r *model.TariffRecord) []string {
	return []string{
		r.ID,
		r.PortID,
		string(r.ChargeType),
		formatFloat(r.Amount),
		formatPtr(r.AmountMax),
		r.Currency,
		r.BaseCurrency,
		formatPtr(r.BaseCurrencyAmount),
		string(r.Unit),
		formatPtr(r.SizeRangeMin),
		formatPtr(r.SizeRangeMax),
		r.SizeUnit,
		r.VesselType,
		string(r.DataSource),
		string(r.Status),
		strconv.FormatFloat(r.ConfidenceScore, 'f', 2, 64),
		strconv.FormatBool(r.Degraded),
		r.EffectiveDate.UTC().Format(time.DateOnly),
		r.ReviewReason,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
