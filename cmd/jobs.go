package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/document"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/worker"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage the ingestion job queue",
	Long:  "Commands for enqueueing, listing, inspecting, and requeueing ingestion jobs.",
}

// initSourceEnv opens the store with the blob store and fetcher, without
// building the ingestion service.
func initSourceEnv(ctx context.Context) (*pipelineEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := document.NewBlobStore(cfg.Blob.Dir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &pipelineEnv{Store: st, Blobs: blobs, Fetcher: fetcher.NewRouter(cfg.Fetch)}, nil
}

// -- jobs enqueue --

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <path-or-url>...",
	Short: "Queue documents for the worker",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initSourceEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port, _ := cmd.Flags().GetString("port")
		docType, _ := cmd.Flags().GetString("type")
		force, _ := cmd.Flags().GetBool("force")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		if maxAttempts <= 0 {
			maxAttempts = cfg.Worker.MaxRetryAttempts
		}

		docs := make([]*model.SourceDocument, 0, len(args))
		for _, src := range args {
			doc, err := prepareSource(ctx, env, src, port, model.DocumentType(docType))
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return enqueueDocs(ctx, env, docs, worker.EnqueueOptions{MaxAttempts: maxAttempts, Force: force}, os.Stdout)
	},
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		port, _ := cmd.Flags().GetString("port")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, model.JobFilter{
			Status:   model.JobStatus(status),
			PortCode: port,
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobs(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its error history and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		if job == nil {
			return eris.Errorf("job not found: %s", args[0])
		}
		return writeJSON(os.Stdout, job)
	},
}

// -- jobs requeue --

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>...",
	Short: "Move failed jobs back to pending with a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, id := range args {
			if err := worker.Requeue(ctx, st, id, time.Now()); err != nil {
				return eris.Wrapf(err, "requeue %s", id)
			}
			fmt.Fprintf(os.Stdout, "%s\trequeued\n", id)
		}
		return nil
	},
}

// -- jobs dlq --

var jobsDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errType, _ := cmd.Flags().GetString("error-type")
		port, _ := cmd.Flags().GetString("port")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{ErrorType: errType, PortCode: port, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "jobs dlq")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}
		formatDLQ(os.Stdout, entries)
		return nil
	},
}

func init() {
	jobsEnqueueCmd.Flags().String("port", "", "UN/LOCODE of the port the documents belong to (required)")
	jobsEnqueueCmd.Flags().String("type", "", "document type: digital_pdf, scanned_pdf or plaintext (detected when empty)")
	jobsEnqueueCmd.Flags().Bool("force", false, "re-ingest content that was already ingested")
	jobsEnqueueCmd.Flags().Int("max-attempts", 0, "attempt budget (default worker.max_retry_attempts)")
	_ = jobsEnqueueCmd.MarkFlagRequired("port")

	jobsListCmd.Flags().String("status", "", "filter by status (pending, in_progress, succeeded, partial, failed)")
	jobsListCmd.Flags().String("port", "", "filter by port code")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsDLQCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	jobsDLQCmd.Flags().String("port", "", "filter by port code")
	jobsDLQCmd.Flags().Int("limit", 50, "max number of entries to display")

	jobsCmd.AddCommand(jobsEnqueueCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRequeueCmd)
	jobsCmd.AddCommand(jobsDLQCmd)
	rootCmd.AddCommand(jobsCmd)
}
