package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/pattern"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Options tunes the structurer.
type Options struct {
	ChunkSize      int
	ChunkOverlap   int
	MaxAttempts    int
	MaxConcurrent  int
	RequestTimeout time.Duration
	// Backoff spaces attempts after a timed-out or transient provider call.
	// MaxAttempts on it is ignored.
	Backoff resilience.RetryConfig
}

// OptionsFromConfig maps llm.* settings.
func OptionsFromConfig(cfg config.LLMConfig) Options {
	return Options{
		ChunkSize:      cfg.ChunkSize,
		ChunkOverlap:   cfg.ChunkOverlap,
		MaxAttempts:    cfg.MaxAttempts,
		MaxConcurrent:  cfg.MaxConcurrentChunks,
		RequestTimeout: cfg.RequestTimeout(),
	}
}

// ChunkFailure records a chunk whose responses never passed validation.
type ChunkFailure struct {
	Index    int
	Attempts int
	Err      error
}

// Result is the structurer output for one document.
type Result struct {
	Candidates []model.TariffLineItemCandidate
	Chunks     int
	Failures   []ChunkFailure
}

// Structurer sends text chunks to a provider and validates the replies.
type Structurer struct {
	provider Provider
	holder   *pattern.Holder
	opts     Options

	mu         sync.Mutex
	schemaDict *pattern.Dictionary
	schema     *jsonschema.Schema
	schemaText string
}

// New creates a structurer. A nil provider makes Structure a no-op.
func New(provider Provider, holder *pattern.Holder, opts Options) *Structurer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 6000
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	return &Structurer{provider: provider, holder: holder, opts: opts}
}

// Enabled reports whether a provider is configured.
func (s *Structurer) Enabled() bool { return s != nil && s.provider != nil }

// currentSchema compiles the schema once per dictionary version.
func (s *Structurer) currentSchema() (*jsonschema.Schema, string, error) {
	d := s.holder.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema != nil && s.schemaDict == d {
		return s.schema, s.schemaText, nil
	}
	schema, text, err := compileSchema(d)
	if err != nil {
		return nil, "", err
	}
	s.schemaDict, s.schema, s.schemaText = d, schema, text
	return schema, text, nil
}

// Structure chunks text and structures every chunk concurrently. A chunk
// that still fails after MaxAttempts, whether from malformed replies,
// timeouts or provider errors, is reported in Failures as an
// LLMStructuringFailure and the other chunks still contribute. Only
// cancellation of ctx aborts the call.
func (s *Structurer) Structure(ctx context.Context, text string) (*Result, error) {
	res := &Result{}
	if !s.Enabled() {
		return res, nil
	}

	schema, schemaText, err := s.currentSchema()
	if err != nil {
		return nil, err
	}
	system := systemPrompt(s.holder.Load(), schemaText)

	chunks := SplitChunks(text, s.opts.ChunkSize, s.opts.ChunkOverlap)
	res.Chunks = len(chunks)
	if len(chunks) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrent)
	for _, c := range chunks {
		g.Go(func() error {
			items, attempts, err := s.structureChunk(gctx, schema, system, c, len(chunks))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				res.Failures = append(res.Failures, ChunkFailure{Index: c.Index, Attempts: attempts, Err: err})
				return nil
			}
			res.Candidates = append(res.Candidates, items...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "llm: structure")
	}

	res.Candidates = dedupe(res.Candidates)
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Index < res.Failures[j].Index })
	return res, nil
}

func (s *Structurer) structureChunk(ctx context.Context, schema *jsonschema.Schema, system string, c Chunk, total int) ([]model.TariffLineItemCandidate, int, error) {
	log := zap.L().With(zap.String("provider", s.provider.Name()), zap.Int("chunk", c.Index))
	prompt := chunkPrompt(c, total)

	// rejected is the last reply that failed parsing; it tightens the next
	// prompt. lastErr is whatever ended the last attempt.
	var lastErr, rejected error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 && !s.pause(ctx, lastErr, attempt) {
			return nil, attempt - 1, ctx.Err()
		}
		req := Request{System: system, Prompt: prompt}
		if rejected != nil {
			req.Prompt = stricterPrompt(prompt, rejected)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		raw, err := s.provider.Complete(callCtx, req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, attempt, ctx.Err()
			}
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				lastErr = resilience.Errorf(resilience.KindTimeout, "llm: chunk %d timed out after %s", c.Index, s.opts.RequestTimeout)
				log.Warn("llm call timed out", zap.Int("attempt", attempt), zap.Duration("timeout", s.opts.RequestTimeout))
				continue
			case raw == "":
				lastErr = err
				log.Warn("llm call failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
		}

		// Truncated or refused replies that carry text are parsed like any other.
		resp, perr := parseResponse(schema, raw)
		if perr != nil {
			lastErr, rejected = perr, perr
			log.Warn("llm response rejected", zap.Int("attempt", attempt), zap.Error(perr))
			continue
		}
		return toCandidates(resp, c), attempt, nil
	}

	return nil, s.opts.MaxAttempts, resilience.Permanent(resilience.KindLLMStructuring,
		eris.Wrapf(lastErr, "llm: chunk %d failed after %d attempts", c.Index, s.opts.MaxAttempts))
}

// pause backs off before retrying a chunk whose last call timed out or hit a
// transient provider error. Rejected replies are retried at once.
func (s *Structurer) pause(ctx context.Context, lastErr error, attempt int) bool {
	if !resilience.IsKind(lastErr, resilience.KindTimeout) && !resilience.IsTransient(lastErr) {
		return ctx.Err() == nil
	}
	return resilience.Sleep(ctx, resilience.Backoff(attempt-2, s.opts.Backoff))
}

const defaultLLMConfidence = 0.75

// toCandidates converts response items and anchors each to its source text
// in the chunk. Unlocated items get an empty span and a confidence penalty.
func toCandidates(resp *response, c Chunk) []model.TariffLineItemCandidate {
	out := make([]model.TariffLineItemCandidate, 0, len(resp.Items))
	for _, it := range resp.Items {
		conf := defaultLLMConfidence
		if it.Confidence != nil {
			conf = *it.Confidence
		}
		cand := model.TariffLineItemCandidate{
			ChargeTypeRaw: it.ChargeTypeRaw,
			ChargeType:    model.ChargeType(it.ChargeType),
			AmountRaw:     fmt.Sprintf("%g", it.Amount),
			Amount:        it.Amount,
			CurrencyRaw:   it.Currency,
			Currency:      it.Currency,
			Unit:          model.Unit(it.Unit),
			SizeRangeMin:  it.SizeRangeMin,
			SizeRangeMax:  it.SizeRangeMax,
			Text:          it.SourceText,
			Source:        model.CandidateLLM,
		}
		if it.AmountMax != nil && *it.AmountMax > it.Amount {
			cand.AmountMax, cand.IsRange = it.AmountMax, true
			cand.Flags = append(cand.Flags, model.FlagRange)
		}
		if it.SizeUnit != nil {
			cand.SizeUnit = strings.ToUpper(*it.SizeUnit)
		}
		if it.VesselType != nil {
			cand.VesselType = *it.VesselType
		}
		if cand.SizeRangeMin != nil && cand.SizeRangeMax != nil && *cand.SizeRangeMax < *cand.SizeRangeMin {
			cand.SizeRangeMin, cand.SizeRangeMax = cand.SizeRangeMax, cand.SizeRangeMin
		}

		if i := strings.Index(c.Text, it.SourceText); i >= 0 {
			cand.Span = model.Span{Offset: c.Offset + i, Length: len(it.SourceText)}
		} else {
			cand.Span = model.Span{Offset: c.Offset}
			conf *= 0.8
		}
		cand.Confidence = conf
		out = append(out, cand)
	}
	return out
}

// dedupe drops items seen twice in overlapping chunks, keeping the more
// confident reading.
func dedupe(items []model.TariffLineItemCandidate) []model.TariffLineItemCandidate {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Span.Offset < items[j].Span.Offset })
	out := items[:0]
	for _, it := range items {
		dup := -1
		for k := range out {
			o := out[k]
			if o.Span == it.Span && o.Span.Length > 0 && !disagree(o, it) {
				dup = k
				break
			}
		}
		if dup < 0 {
			out = append(out, it)
			continue
		}
		if it.Confidence > out[dup].Confidence {
			out[dup] = it
		}
	}
	return out
}

func systemPrompt(d *pattern.Dictionary, schema string) string {
	var b strings.Builder
	b.WriteString("You extract port tariff line items from text taken from a port authority tariff document.\n")
	b.WriteString("Return one JSON object with an \"items\" array and nothing else.\n")
	b.WriteString("Each item is one charge: its canonical charge_type, the amount as a number, the ISO 4217 currency, ")
	b.WriteString("the canonical pricing unit, any vessel size bracket, and source_text copied verbatim from the input line it came from.\n")
	b.WriteString("Use OTHER for charges outside the vocabulary. Do not invent amounts that are not in the text. ")
	b.WriteString("When a range is quoted, put the lower bound in amount and the upper bound in amount_max.\n\n")
	b.WriteString("Charge types: " + strings.Join(d.ChargeTypes(), ", ") + ", OTHER\n")
	b.WriteString("Units: " + strings.Join(d.Units(), ", ") + "\n")
	b.WriteString("Currencies: " + strings.Join(d.SupportedCurrencies(), ", ") + "\n\n")
	b.WriteString("JSON Schema:\n")
	b.WriteString(schema)
	return b.String()
}

func chunkPrompt(c Chunk, total int) string {
	return fmt.Sprintf("Tariff text (part %d of %d):\n\n%s", c.Index+1, total, c.Text)
}

func stricterPrompt(prompt string, prev error) string {
	return prompt + "\n\nYour previous reply was rejected: " + prev.Error() +
		"\nReply with ONLY a JSON object that validates against the schema. No prose, no code fences, no comments."
}
