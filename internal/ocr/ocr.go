// Package ocr recognizes text in scanned documents. Engines are selected by
// configuration name and report a confidence in [0,1].
package ocr

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/config"
)

// ErrNoEngine is returned by the "none" engine.
var ErrNoEngine = eris.New("ocr: no engine configured")

// Result is the recognized text of a document.
type Result struct {
	Text       string
	Confidence float64
	Pages      int
	Engine     string
}

// Engine recognizes text in a PDF or image file.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, path string) (*Result, error)
}

// Factory builds an engine from configuration.
type Factory func(cfg config.OCRConfig, runner Runner) (Engine, error)

var engines = map[string]Factory{
	"tesseract": func(cfg config.OCRConfig, runner Runner) (Engine, error) {
		return NewTesseract(cfg, runner), nil
	},
	"mistral": func(cfg config.OCRConfig, _ Runner) (Engine, error) {
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	},
	"none": func(config.OCRConfig, Runner) (Engine, error) {
		return noneEngine{}, nil
	},
}

// NewEngine creates the engine named by cfg.Provider. An empty name selects
// "none".
func NewEngine(cfg config.OCRConfig, runner Runner) (Engine, error) {
	name := cfg.Provider
	if name == "" {
		name = "none"
	}
	f, ok := engines[name]
	if !ok {
		return nil, eris.Errorf("ocr: unknown provider %q (known: %v)", cfg.Provider, Names())
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return f(cfg, runner)
}

// Names lists the registered engine names.
func Names() []string {
	out := make([]string, 0, len(engines))
	for k := range engines {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type noneEngine struct{}

func (noneEngine) Name() string { return "none" }

func (noneEngine) Recognize(context.Context, string) (*Result, error) {
	return nil, ErrNoEngine
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
