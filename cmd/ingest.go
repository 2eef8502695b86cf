package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/document"
	"github.com/sells-group/tariff-cli/internal/ingest"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/worker"
)

var (
	ingestPort    string
	ingestType    string
	ingestForce   bool
	ingestJSON    bool
	ingestEnqueue bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path-or-url>...",
	Short: "Ingest tariff documents synchronously",
	Long: `Downloads each source (local path, file://, http(s):// or ftp://), extracts and
structures its tariff lines, and stores the validated records. Several sources
are ingested concurrently. With --enqueue the documents are queued for the
worker instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		docs := make([]*model.SourceDocument, 0, len(args))
		for _, src := range args {
			doc, err := prepareSource(ctx, env, src, ingestPort, model.DocumentType(ingestType))
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}

		if ingestEnqueue {
			return enqueueDocs(ctx, env, docs, worker.EnqueueOptions{
				MaxAttempts: cfg.Worker.MaxRetryAttempts,
				Force:       ingestForce,
			}, os.Stdout)
		}

		results, errs := env.Service.IngestMany(ctx, docs, ingest.RunOptions{Force: ingestForce})
		return reportIngestions(os.Stdout, args, results, errs, ingestJSON)
	},
}

// prepareSource downloads src and stores its bytes in the blob store.
func prepareSource(ctx context.Context, env *pipelineEnv, src, port string, docType model.DocumentType) (*model.SourceDocument, error) {
	res, err := env.Fetcher.Fetch(ctx, src, "")
	if err != nil {
		return nil, eris.Wrapf(err, "fetch %s", src)
	}
	doc, err := document.Prepare(ctx, env.Blobs, document.Source{
		PortCode:     port,
		SourceURL:    src,
		DocumentType: docType,
		Data:         res.Body,
	}, time.Now())
	if err != nil {
		return nil, eris.Wrapf(err, "prepare %s", src)
	}
	return doc, nil
}

func enqueueDocs(ctx context.Context, env *pipelineEnv, docs []*model.SourceDocument, opts worker.EnqueueOptions, out io.Writer) error {
	for _, doc := range docs {
		job, created, err := worker.Enqueue(ctx, env.Store, doc, opts)
		if err != nil {
			return err
		}
		state := "enqueued"
		if !created {
			state = "already queued"
		}
		_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", job.ID, job.PortCode, doc.SourceURL, state)
	}
	return nil
}

// reportIngestions prints each result and returns an error when any source
// failed to ingest.
func reportIngestions(out io.Writer, sources []string, results []*model.IngestionResult, errs []error, asJSON bool) error {
	if asJSON {
		if err := writeJSON(out, results); err != nil {
			return err
		}
	}
	failed := 0
	for i, res := range results {
		if errs[i] != nil {
			failed++
			zap.L().Error("ingest failed", zap.String("source", sources[i]), zap.Error(errs[i]))
		}
		if asJSON || res == nil {
			continue
		}
		if len(results) > 1 {
			_, _ = fmt.Fprintf(out, "== %s\n", sources[i])
		}
		formatIngestionResult(out, res)
		formatPriceChanges(out, ingest.PriceChanges(res))
		_, _ = fmt.Fprintln(out)
	}
	if failed > 0 {
		return eris.Errorf("%d of %d documents failed to ingest", failed, len(results))
	}
	return nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestPort, "port", "", "UN/LOCODE of the port the documents belong to (required)")
	ingestCmd.Flags().StringVar(&ingestType, "type", "", "document type: digital_pdf, scanned_pdf or plaintext (detected when empty)")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "re-ingest content that was already ingested")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "print results as JSON")
	ingestCmd.Flags().BoolVar(&ingestEnqueue, "enqueue", false, "queue the documents for the worker instead of ingesting now")
	_ = ingestCmd.MarkFlagRequired("port")
	rootCmd.AddCommand(ingestCmd)
}
