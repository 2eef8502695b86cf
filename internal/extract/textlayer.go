package extract

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/ocr"
)

// PageText is the embedded text of a PDF, one entry per page.
type PageText struct {
	Pages []string
}

// Text joins the pages with form feeds.
func (p *PageText) Text() string {
	return strings.Join(p.Pages, "\n\f")
}

// TextLayer reads the embedded text of a digital PDF.
type TextLayer interface {
	Name() string
	Read(ctx context.Context, path string, data []byte) (*PageText, error)
}

// TextLayerFactory builds a text layer from configuration.
type TextLayerFactory func(cfg config.ExtractConfig, runner ocr.Runner) TextLayer

var textLayers = map[string]TextLayerFactory{
	"native": func(config.ExtractConfig, ocr.Runner) TextLayer {
		return NativeTextLayer{}
	},
	"pdftotext": func(cfg config.ExtractConfig, runner ocr.Runner) TextLayer {
		return NewPdfToText(cfg.PdfToTextPath, runner)
	},
}

// NewTextLayer returns the text layer named by cfg.TextLayer ("native" when
// empty).
func NewTextLayer(cfg config.ExtractConfig, runner ocr.Runner) (TextLayer, error) {
	name := cfg.TextLayer
	if name == "" {
		name = "native"
	}
	f, ok := textLayers[name]
	if !ok {
		names := make([]string, 0, len(textLayers))
		for k := range textLayers {
			names = append(names, k)
		}
		sort.Strings(names)
		return nil, eris.Errorf("extract: unknown text layer %q (known: %v)", cfg.TextLayer, names)
	}
	if runner == nil {
		runner = ocr.ExecRunner{}
	}
	return f(cfg, runner), nil
}

// NativeTextLayer parses the PDF in-process with ledongthuc/pdf.
type NativeTextLayer struct{}

// Name implements TextLayer.
func (NativeTextLayer) Name() string { return "native" }

// Read implements TextLayer. The parser panics on some malformed files, so
// panics are converted to errors.
func (NativeTextLayer) Read(_ context.Context, path string, data []byte) (out *PageText, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = eris.Errorf("extract: pdf parser panic on %s: %v", path, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrapf(err, "extract: open pdf %s", path)
	}

	n := reader.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			zap.L().Debug("extract: page text failed", zap.String("path", path), zap.Int("page", i), zap.Error(err))
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	if len(pages) == 0 {
		return nil, eris.Errorf("extract: pdf %s has no pages", path)
	}
	return &PageText{Pages: pages}, nil
}

// PdfToText reads the text layer with the poppler pdftotext CLI.
type PdfToText struct {
	binPath string
	runner  ocr.Runner
}

// NewPdfToText creates a PdfToText layer. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string, runner ocr.Runner) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	if runner == nil {
		runner = ocr.ExecRunner{}
	}
	return &PdfToText{binPath: binPath, runner: runner}
}

// Name implements TextLayer.
func (p *PdfToText) Name() string { return "pdftotext" }

// Read runs pdftotext -layout and splits the output on form feeds.
func (p *PdfToText) Read(ctx context.Context, path string, _ []byte) (*PageText, error) {
	out, err := p.runner.Run(ctx, p.binPath, "-layout", path, "-")
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("extract: pdftotext failed for %s", path))
	}
	pages := strings.Split(strings.TrimSuffix(string(out), "\f"), "\f")
	return &PageText{Pages: pages}, nil
}
