// Package extract turns source documents into raw text. Digital PDFs use their
// text layer; sparse or scanned documents go through OCR; documents OCR
// cannot read confidently fall back to manual review.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/document"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/ocr"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Extractor runs the text layer, OCR and fallback decision for a document.
type Extractor struct {
	layer            TextLayer
	engine           ocr.Engine
	densityThreshold float64
	ocrThreshold     float64
	timeout          time.Duration
	now              func() time.Time
}

// New creates an Extractor from explicit strategies.
func New(cfg config.ExtractConfig, layer TextLayer, engine ocr.Engine) *Extractor {
	e := &Extractor{
		layer:            layer,
		engine:           engine,
		densityThreshold: cfg.TextDensityThreshold,
		ocrThreshold:     cfg.OCRConfidenceThreshold,
		timeout:          time.Duration(cfg.TimeoutSecs) * time.Second,
		now:              time.Now,
	}
	if e.densityThreshold <= 0 {
		e.densityThreshold = 200
	}
	return e
}

// FromConfig selects the text layer and OCR engine by configured name.
func FromConfig(cfg config.ExtractConfig, runner ocr.Runner) (*Extractor, error) {
	layer, err := NewTextLayer(cfg, runner)
	if err != nil {
		return nil, err
	}
	engine, err := ocr.NewEngine(cfg.OCR, runner)
	if err != nil {
		return nil, err
	}
	return New(cfg, layer, engine), nil
}

// Extract produces the raw text of doc. The blob is only read. Unreadable
// input yields a retryable ExtractionFailure.
func (e *Extractor) Extract(ctx context.Context, doc *model.SourceDocument) (*model.ExtractionResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	log := zap.L().With(
		zap.String("component", "extract"),
		zap.String("document_id", doc.ID),
		zap.String("document_type", string(doc.DocumentType)),
	)

	data, err := document.Read(doc.BlobPath)
	if err != nil {
		return nil, resilience.NewKindError(resilience.KindExtraction, err)
	}

	var res *model.ExtractionResult
	switch doc.DocumentType {
	case model.DocumentPlaintext:
		res, err = e.plaintext(data)
	case model.DocumentDigitalPDF:
		res, err = e.digital(ctx, doc, data, log)
	case model.DocumentScannedPDF:
		res, err = e.recognize(ctx, doc, "document is a scanned PDF", nil)
	default:
		return nil, resilience.Permanent(resilience.KindExtraction,
			eris.Errorf("extract: unsupported document type %q", doc.DocumentType))
	}
	if err != nil {
		return nil, resilience.NewKindError(resilience.KindExtraction, err)
	}

	res.DocumentID = doc.ID
	res.CreatedAt = e.now().UTC()

	log.Info("extract: complete",
		zap.String("method", string(res.Method)),
		zap.Float64("confidence", res.Confidence),
		zap.Float64("density", res.Density),
		zap.Int("pages", res.PageCount),
	)
	return res, nil
}

func (e *Extractor) plaintext(data []byte) (*model.ExtractionResult, error) {
	if !utf8.Valid(data) {
		return nil, eris.New("extract: plaintext document is not valid UTF-8")
	}
	text := string(data)
	density := Density(text, 1)
	q := AssessQuality(text, 1)
	res := &model.ExtractionResult{
		Method:     model.MethodTextLayer,
		RawText:    text,
		PageCount:  1,
		Density:    density,
		Engine:     "plaintext",
		Confidence: TextLayerConfidence(q.Factor, density, e.densityThreshold),
	}
	if q.EncodingIssues > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d encoding issues in text", q.EncodingIssues))
	}
	return res, nil
}

func (e *Extractor) digital(ctx context.Context, doc *model.SourceDocument, data []byte, log *zap.Logger) (*model.ExtractionResult, error) {
	pages, err := e.layer.Read(ctx, doc.BlobPath, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "extract: text layer")
		}
		log.Warn("extract: text layer failed, trying OCR", zap.String("layer", e.layer.Name()), zap.Error(err))
		return e.recognize(ctx, doc, "text layer failed: "+err.Error(), nil)
	}

	text := pages.Text()
	density := Density(text, len(pages.Pages))
	if density < e.densityThreshold {
		reason := fmt.Sprintf("text density %.1f below threshold %.1f", density, e.densityThreshold)
		return e.recognize(ctx, doc, reason, &model.ExtractionResult{
			Method:    model.MethodTextLayer,
			RawText:   text,
			PageCount: len(pages.Pages),
			Density:   density,
			Engine:    e.layer.Name(),
		})
	}

	q := AssessQuality(text, len(pages.Pages))
	res := &model.ExtractionResult{
		Method:     model.MethodTextLayer,
		RawText:    text,
		PageCount:  len(pages.Pages),
		Density:    density,
		Engine:     e.layer.Name(),
		Confidence: TextLayerConfidence(q.Factor, density, e.densityThreshold),
	}
	if !q.Good() {
		res.Warnings = append(res.Warnings, fmt.Sprintf("low text quality: %d words, %.1f per page, %d encoding issues",
			q.WordCount, q.WordsPerPage, q.EncodingIssues))
	}
	return res, nil
}

// recognize runs OCR. sparse carries the text layer result when OCR was
// chosen for low density; it is kept if OCR is unavailable.
func (e *Extractor) recognize(ctx context.Context, doc *model.SourceDocument, reason string, sparse *model.ExtractionResult) (*model.ExtractionResult, error) {
	fallback := func(why string, text string, pages int, conf float64) *model.ExtractionResult {
		return &model.ExtractionResult{
			Method:     model.MethodFallbackManual,
			RawText:    text,
			PageCount:  pages,
			Density:    Density(text, pages),
			Engine:     e.engineName(),
			Confidence: conf,
			Reason:     reason + "; " + why,
		}
	}

	if e.engine == nil {
		return e.fallbackSparse(fallback, "no OCR engine configured", sparse), nil
	}

	out, err := e.engine.Recognize(ctx, doc.BlobPath)
	if errors.Is(err, ocr.ErrNoEngine) {
		return e.fallbackSparse(fallback, "no OCR engine configured", sparse), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "extract: ocr with %s", e.engine.Name())
	}

	pages := max(out.Pages, 1)
	density := Density(out.Text, pages)
	conf := OCRConfidence(out.Confidence, density, e.densityThreshold)

	if out.Confidence < e.ocrThreshold {
		why := fmt.Sprintf("OCR confidence %.2f below threshold %.2f", out.Confidence, e.ocrThreshold)
		return fallback(why, out.Text, pages, conf), nil
	}

	return &model.ExtractionResult{
		Method:     model.MethodOCR,
		RawText:    out.Text,
		PageCount:  pages,
		Density:    density,
		Engine:     out.Engine,
		Confidence: conf,
		Reason:     reason,
	}, nil
}

func (e *Extractor) fallbackSparse(build func(string, string, int, float64) *model.ExtractionResult, why string, sparse *model.ExtractionResult) *model.ExtractionResult {
	if sparse == nil {
		return build(why, "", 1, 0)
	}
	return build(why, sparse.RawText, sparse.PageCount, 0)
}

func (e *Extractor) engineName() string {
	if e.engine == nil {
		return "none"
	}
	return e.engine.Name()
}
