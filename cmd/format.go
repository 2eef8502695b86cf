package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/sells-group/tariff-cli/internal/ingest"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

func newTabWriter(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

// writeJSON pretty-prints v.
func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatIngestionResult writes a summary of one ingestion and its items.
func formatIngestionResult(out io.Writer, res *model.IngestionResult) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintf(w, "Document:\t%s (%s)\n", truncateID(res.DocumentID), res.PortCode)
	status := string(res.Status)
	if res.SkipReason != "" {
		status += " (" + res.SkipReason + ")"
	}
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", status)
	if res.Extraction != nil {
		_, _ = fmt.Fprintf(w, "Extraction:\t%s, confidence %.2f, %d pages\n",
			res.Extraction.Method, res.Extraction.Confidence, res.Extraction.PageCount)
	}
	_, _ = fmt.Fprintf(w, "Pattern coverage:\t%.0f%%\n", res.Coverage*100)
	_, _ = fmt.Fprintf(w, "LLM used:\t%t\n", res.LLMUsed)
	s := res.Stats
	_, _ = fmt.Fprintf(w, "Items:\t%d (accepted %d, confirmed %d, degraded %d, review %d, rejected %d)\n",
		s.Candidates, s.Accepted, s.Confirmed, s.Degraded, s.Review, s.Rejected)
	if s.Candidates > 0 {
		_, _ = fmt.Fprintf(w, "Auto-import rate:\t%.0f%%\n", s.AutoImportRate*100)
	}
	for _, warn := range res.Warnings {
		_, _ = fmt.Fprintf(w, "Warning:\t%s\n", warn)
	}
	for _, e := range res.Errors {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", e)
	}
	_ = w.Flush()

	if len(res.Items) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = newTabWriter(out)
	_, _ = fmt.Fprintln(w, "#\tCHARGE\tAMOUNT\tCURRENCY\tUNIT\tSTATUS\tCONF\tREASONS")
	for _, it := range res.Items {
		c := it.Candidate
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			it.Index, c.ChargeType, formatAmount(c.Amount, c.AmountMax), c.Currency, c.Unit,
			it.Status, it.Confidence, strings.Join(it.Reasons, "; "))
	}
	_ = w.Flush()
}

// formatPriceChanges writes the items that replaced an active record with a
// different amount.
func formatPriceChanges(out io.Writer, changes []ingest.PriceChange) {
	if len(changes) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, "\nPrice changes:")
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "CHARGE\tUNIT\tCURRENCY\tPREVIOUS\tNEW\tCHANGE\tSTATUS")
	for _, c := range changes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%+.1f%%\t%s\n",
			c.ChargeType, c.Unit, c.Currency, formatFloat(c.PreviousAmount), formatFloat(c.Amount), c.PercentChange*100, c.Status)
	}
	_ = w.Flush()
}

// formatTariffs writes a tabular list of tariff records.
func formatTariffs(out io.Writer, recs []model.TariffRecord) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "ID\tPORT\tCHARGE\tAMOUNT\tCURRENCY\tBASE\tUNIT\tSIZE\tSOURCE\tSTATUS\tCONF")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t--------\t----\t----\t----\t------\t------\t----")
	for _, r := range recs {
		base := ""
		if r.BaseCurrencyAmount != nil {
			base = formatFloat(*r.BaseCurrencyAmount) + " " + r.BaseCurrency
		}
		status := string(r.Status)
		if r.Degraded {
			status += "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.2f\n",
			truncateID(r.ID), r.PortID, r.ChargeType, formatAmount(r.Amount, r.AmountMax), r.Currency,
			base, r.Unit, formatSize(r.SizeRangeMin, r.SizeRangeMax, r.SizeUnit), r.DataSource, status, r.ConfidenceScore)
	}
	_ = w.Flush()
}

// formatJobs writes a tabular list of jobs.
func formatJobs(out io.Writer, jobs []model.IngestionJob) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "ID\tPORT\tSOURCE\tSTATUS\tATTEMPTS\tSCHEDULED\tUPDATED\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t--------\t---------\t-------\t----------")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			truncateID(j.ID), j.PortCode, j.SourceName, j.Status, j.AttemptCount, j.MaxAttempts,
			j.ScheduledAt.Format("2006-01-02 15:04"), j.UpdatedAt.Format("2006-01-02 15:04"),
			truncate(j.LastError, 60))
	}
	_ = w.Flush()
}

// formatDLQ writes a tabular list of dead-lettered jobs.
func formatDLQ(out io.Writer, entries []resilience.DLQEntry) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintln(w, "JOB\tPORT\tKIND\tTYPE\tATTEMPTS\tCREATED\tERROR")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.JobID, e.PortCode, e.Kind, e.ErrorType, e.Attempts, e.MaxAttempts,
			e.CreatedAt.Format("2006-01-02 15:04"), truncate(e.Error, 60))
	}
	_ = w.Flush()
}

// formatStats writes tariff table statistics.
func formatStats(out io.Writer, s *model.TariffStats, jobs model.JobCounts, dlq int) {
	w := newTabWriter(out)
	_, _ = fmt.Fprintf(w, "Tariff records:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Active:\t%d\n", s.Active)
	_, _ = fmt.Fprintf(w, "  Real scraped:\t%d\n", s.RealScraped)
	_, _ = fmt.Fprintf(w, "  LLM structured:\t%d\n", s.LLMStructured)
	_, _ = fmt.Fprintf(w, "  Manual:\t%d\n", s.Manual)
	_, _ = fmt.Fprintf(w, "Review pending:\t%d\n", s.ReviewPending)
	_, _ = fmt.Fprintf(w, "Degraded:\t%d\n", s.Degraded)
	_, _ = fmt.Fprintf(w, "Average confidence:\t%.2f\n", s.AverageConfidence)
	_, _ = fmt.Fprintf(w, "Coverage (real scraped):\t%.1f%%\n", s.CoveragePercent)
	if jobs != nil {
		for _, st := range []model.JobStatus{model.JobPending, model.JobInProgress, model.JobSucceeded, model.JobPartial, model.JobFailed} {
			_, _ = fmt.Fprintf(w, "Jobs %s:\t%d\n", st, jobs[st])
		}
		_, _ = fmt.Fprintf(w, "Dead letters:\t%d\n", dlq)
	}
	_ = w.Flush()
}

func formatAmount(amount float64, max *float64) string {
	if max != nil && *max > amount {
		return formatFloat(amount) + "-" + formatFloat(*max)
	}
	return formatFloat(amount)
}

func formatSize(lo, hi *float64, unit string) string {
	switch {
	case lo == nil && hi == nil:
		return ""
	case hi == nil:
		return formatFloat(*lo) + "+ " + unit
	case lo == nil:
		return "<=" + formatFloat(*hi) + " " + unit
	default:
		return formatFloat(*lo) + "-" + formatFloat(*hi) + " " + unit
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
