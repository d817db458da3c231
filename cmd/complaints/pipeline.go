package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/embedding"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/pipeline"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/sink"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Stream complaint changes into the vector store",
	Long: `Read Debezium change events for the complaints table, embed each inserted or
updated description, and write the vectors in batches. Deleted complaints are
purged unless pipeline.purge_on_delete is false.

Examples:
  complaints pipeline --file changes.jsonl
  complaints pipeline --file changes.jsonl --follow
  COMPLAINTS_SOURCE_KIND=jetstream complaints pipeline`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if f, _ := cmd.Flags().GetString("file"); f != "" {
			a.cfg.Source.Kind = "file"
			a.cfg.Source.Path = f
		}
		if cmd.Flags().Changed("follow") {
			a.cfg.Source.Follow, _ = cmd.Flags().GetBool("follow")
		}

		if skip, _ := cmd.Flags().GetBool("skip-ready-check"); !skip {
			if err := a.ensureReady(ctx, false, os.Stderr); err != nil {
				return err
			}
		}

		emb, err := a.Embedder(ctx)
		if err != nil {
			return err
		}
		vectors, err := a.VectorStore(ctx)
		if err != nil {
			return err
		}
		dead, err := a.DeadLetters(ctx)
		if err != nil {
			return err
		}
		src, err := a.Source(ctx)
		if err != nil {
			return err
		}

		cfg := a.cfg
		gen := embedding.NewGenerator(emb, dead, embedding.Options{
			MaxAttempts: cfg.Embedding.MaxAttempts,
			Backoff:     cfg.Embedding.Backoff,
			Dimension:   cfg.Embedding.Dimension,
		})
		snk := sink.New(vectors, sink.Options{
			BatchSize:     cfg.Sink.BatchSize,
			FlushInterval: cfg.Sink.FlushInterval,
			MaxRetries:    cfg.Sink.MaxRetries,
			Backoff:       cfg.Sink.Backoff,
			Commit:        src.Commit,
		})
		p := pipeline.New(src, gen, snk, dead, pipeline.Options{
			Table:         cfg.Source.Table,
			PurgeOnDelete: cfg.Pipeline.PurgeOnDelete,
		})

		printStep("Reading %s source", cfg.Source.Kind)
		if err := p.Run(ctx); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}

		st := p.Stats()
		ss := snk.Stats()
		out := cmd.OutOrStdout()
		printStatus(out, "Records", "%d", st.Records)
		printStatus(out, "Embedded", "%d", st.Embedded)
		printStatus(out, "Deleted", "%d", st.Deleted)
		printStatus(out, "Skipped", "%d", st.Skipped)
		printStatus(out, "Dead-lettered", "%d", st.DeadLettered)
		printStatus(out, "Batches", "%d", ss.Batches)
		return nil
	},
}

func init() {
	pipelineCmd.Flags().String("file", "", "read change events from this file instead of the configured source")
	pipelineCmd.Flags().Bool("follow", false, "keep reading as the file grows")
	pipelineCmd.Flags().Bool("skip-ready-check", false, "do not check Ollama before starting")
}
