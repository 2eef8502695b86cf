package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/currency"
	"github.com/sells-group/tariff-cli/internal/document"
	"github.com/sells-group/tariff-cli/internal/extract"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/ingest"
	"github.com/sells-group/tariff-cli/internal/llm"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/ocr"
	"github.com/sells-group/tariff-cli/internal/pattern"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/validate"
)

// pipelineEnv holds the store, the ingestion service and the pieces the
// ingest/worker/review/rates commands share.
type pipelineEnv struct {
	Store      store.Store
	Service    *ingest.Service
	Currency   *currency.Service
	Dictionary *pattern.Holder
	Blobs      *document.BlobStore
	Fetcher    *fetcher.Router
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store and builds the
// ingestion service. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env, err := buildPipeline(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildPipeline wires every ingestion component from cfg over st.
func buildPipeline(ctx context.Context, st store.Store) (*pipelineEnv, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	blobs, err := document.NewBlobStore(cfg.Blob.Dir)
	if err != nil {
		return nil, err
	}

	dict, err := pattern.LoadDictionary(cfg.Pattern.DictionaryPath)
	if err != nil {
		return nil, err
	}
	holder := pattern.NewHolder(dict)
	policy, err := pattern.ParseRangePolicy(cfg.Pattern.RangePolicy)
	if err != nil {
		return nil, err
	}
	matcher := pattern.NewMatcher(holder, pattern.Options{
		FuzzyMaxDistance:  cfg.Pattern.FuzzyMaxDistance,
		RangePolicy:       policy,
		MinItemConfidence: cfg.Pattern.MinItemConfidence,
	})

	extractor, err := extract.FromConfig(cfg.Extract, ocr.ExecRunner{})
	if err != nil {
		return nil, err
	}

	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	var structurer *llm.Structurer
	if provider != nil {
		structurer = llm.New(provider, holder, llm.OptionsFromConfig(cfg.LLM))
		zap.L().Info("llm structurer enabled", zap.String("provider", provider.Name()), zap.String("model", cfg.LLM.Model))
	} else {
		zap.L().Warn("llm provider disabled, low-coverage documents fall back to review")
	}

	rates, err := currency.NewProvider(cfg.Currency)
	if err != nil {
		return nil, err
	}
	cur := currency.NewService(rates, holder, currency.OptionsFromConfig(cfg.Currency))
	if n, err := cur.Warm(ctx, st); err != nil {
		zap.L().Warn("could not warm currency rates from store", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("currency rates warmed from store", zap.Int("rates", n))
	}

	tables, err := validate.LoadTables(cfg.Validation.RangesPath)
	if err != nil {
		return nil, err
	}
	validator := validate.New(tables, holder, st, validate.OptionsFromConfig(cfg.Validation))

	opts, err := ingest.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	svc, err := ingest.New(ingest.Deps{
		Store:      st,
		Extractor:  extractor,
		Matcher:    matcher,
		Structurer: structurer,
		Currency:   cur,
		Validator:  validator,
		Metrics:    m,
	}, opts)
	if err != nil {
		return nil, eris.Wrap(err, "build ingestion service")
	}

	return &pipelineEnv{
		Store:      st,
		Service:    svc,
		Currency:   cur,
		Dictionary: holder,
		Blobs:      blobs,
		Fetcher:    fetcher.NewRouter(cfg.Fetch),
		Metrics:    m,
		Registry:   reg,
	}, nil
}

// watchDictionary hot-reloads the dictionary file until ctx is done. It is a
// no-op when no file is configured or watching is disabled.
func (pe *pipelineEnv) watchDictionary(ctx context.Context) error {
	if !cfg.Pattern.Watch || cfg.Pattern.DictionaryPath == "" {
		return nil
	}
	return pattern.Watch(ctx, cfg.Pattern.DictionaryPath, pe.Dictionary, func(d *pattern.Dictionary) {
		zap.L().Info("dictionary reloaded", zap.Int("charge_types", len(d.ChargeTypes())))
	})
}
