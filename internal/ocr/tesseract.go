package ocr

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
)

// Tesseract rasterizes PDF pages with pdftoppm and recognizes each page with
// tesseract in TSV mode. Confidence is the mean word confidence.
type Tesseract struct {
	tesseractPath string
	pdftoppmPath  string
	lang          string
	dpi           int
	maxPages      int
	runner        Runner
}

// NewTesseract creates a Tesseract engine.
func NewTesseract(cfg config.OCRConfig, runner Runner) *Tesseract {
	t := &Tesseract{
		tesseractPath: cfg.TesseractPath,
		pdftoppmPath:  cfg.PdfToPPMPath,
		lang:          cfg.Lang,
		dpi:           cfg.DPI,
		maxPages:      cfg.MaxPages,
		runner:        runner,
	}
	if t.tesseractPath == "" {
		t.tesseractPath = "tesseract"
	}
	if t.pdftoppmPath == "" {
		t.pdftoppmPath = "pdftoppm"
	}
	if t.lang == "" {
		t.lang = "eng"
	}
	if t.dpi <= 0 {
		t.dpi = 300
	}
	if t.runner == nil {
		t.runner = ExecRunner{}
	}
	return t
}

// Name implements Engine.
func (t *Tesseract) Name() string { return "tesseract" }

// Recognize implements Engine.
func (t *Tesseract) Recognize(ctx context.Context, path string) (*Result, error) {
	images, cleanup, err := t.rasterize(ctx, path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var (
		pages   []string
		confSum float64
		words   int
	)
	for _, img := range images {
		out, err := t.runner.Run(ctx, t.tesseractPath, img, "stdout", "-l", t.lang, "tsv")
		if err != nil {
			return nil, eris.Wrapf(err, "ocr: tesseract page %s", filepath.Base(img))
		}
		page := parseTSV(string(out))
		pages = append(pages, page.text)
		confSum += page.confSum
		words += page.words
	}

	var conf float64
	if words > 0 {
		conf = confSum / float64(words) / 100
	}

	zap.L().Debug("ocr: tesseract complete",
		zap.String("path", path),
		zap.Int("pages", len(images)),
		zap.Int("words", words),
		zap.Float64("confidence", conf),
	)

	return &Result{
		Text:       strings.Join(pages, "\n\f"),
		Confidence: clamp01(conf),
		Pages:      len(images),
		Engine:     t.Name(),
	}, nil
}

// rasterize renders the PDF to PNG pages in a temp dir. Non-PDF inputs are
// passed to tesseract directly.
func (t *Tesseract) rasterize(ctx context.Context, path string) ([]string, func(), error) {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") && !isPDF(path) {
		return []string{path}, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "tariff-ocr-*")
	if err != nil {
		return nil, nil, eris.Wrap(err, "ocr: create temp dir")
	}
	cleanup := func() { os.RemoveAll(dir) } //nolint:errcheck

	args := []string{"-r", strconv.Itoa(t.dpi), "-png"}
	if t.maxPages > 0 {
		args = append(args, "-l", strconv.Itoa(t.maxPages))
	}
	args = append(args, path, filepath.Join(dir, "page"))

	if _, err := t.runner.Run(ctx, t.pdftoppmPath, args...); err != nil {
		cleanup()
		return nil, nil, eris.Wrap(err, "ocr: pdftoppm")
	}

	images, err := filepath.Glob(filepath.Join(dir, "page*.png"))
	if err != nil {
		cleanup()
		return nil, nil, eris.Wrap(err, "ocr: list pages")
	}
	if len(images) == 0 {
		cleanup()
		return nil, nil, eris.New("ocr: pdftoppm produced no pages")
	}
	sort.Strings(images)
	return images, cleanup, nil
}

func isPDF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close() //nolint:errcheck
	head := make([]byte, 5)
	n, _ := f.Read(head)
	return n == 5 && string(head) == "%PDF-"
}

type tsvPage struct {
	text    string
	confSum float64
	words   int
}

// parseTSV rebuilds line text from tesseract TSV output and sums word
// confidences. Rows with conf -1 are layout rows, not words.
func parseTSV(out string) tsvPage {
	var (
		page    tsvPage
		lines   []string
		cur     []string
		lineKey string
	)
	flush := func() {
		if len(cur) > 0 {
			lines = append(lines, strings.Join(cur, " "))
			cur = nil
		}
	}

	for i, row := range strings.Split(out, "\n") {
		if i == 0 && strings.HasPrefix(row, "level") {
			continue
		}
		cols := strings.Split(strings.TrimRight(row, "\r"), "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		key := strings.Join(cols[1:5], ".")
		if key != lineKey {
			flush()
			lineKey = key
		}
		cur = append(cur, word)
		page.confSum += conf
		page.words++
	}
	flush()

	page.text = strings.Join(lines, "\n")
	return page
}
