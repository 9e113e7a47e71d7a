package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/flop/pkg/adaptive"
	"github.com/conneroisu/flop/pkg/data"
	"github.com/spf13/cobra"
)

// NewEvalCmd returns a new cobra.Command that scores a token file with an adaptive
// embedding feeding an adaptive log-softmax.
func NewEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score a token file with the adaptive modules",
		Long: `
Reads a little-endian int32 token file, embeds every input token with the
adaptive embedding and uses the embedding as the hidden state for the
adaptive log-softmax of the next token. Reports the mean negative
log-likelihood per batch.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := adaptiveConfig()
			emb, err := adaptive.NewEmbedding(cfg)
			if err != nil {
				return fmt.Errorf("failed to build embedding: %w", err)
			}
			sm, err := adaptive.NewLogSoftmax(cfg)
			if err != nil {
				return fmt.Errorf("failed to build log-softmax: %w", err)
			}
			loader, err := data.NewDataLoader(RootArgs.datasetPath, RootArgs.batchSize, RootArgs.seqLength)
			if err != nil {
				return fmt.Errorf("failed to load data loader: %w", err)
			}
			voc, err := loadVocab(cfg.NToken)
			if err != nil {
				return err
			}
			batches := loader.NumBatches
			if RootArgs.maxBatches > 0 {
				batches = min(batches, RootArgs.maxBatches)
			}
			var total float64
			var count int
			for step := 0; step < batches; step++ {
				start := time.Now()
				inputs, targets := loader.NextBatch()
				if err := cfg.ValidateIDs(inputs); err != nil {
					return fmt.Errorf("batch %d: %w", step, err)
				}
				if err := cfg.ValidateIDs(targets); err != nil {
					return fmt.Errorf("batch %d: %w", step, err)
				}
				if voc != nil && step == 0 {
					text, err := voc.Decode(inputs[:RootArgs.seqLength])
					if err != nil {
						return fmt.Errorf("batch %d: %w", step, err)
					}
					log.Debug("first sequence", "text", text)
				}
				hidden, err := emb.Forward(inputs, RootArgs.batchSize, RootArgs.seqLength)
				if err != nil {
					return err
				}
				nll, err := sm.Forward(hidden, targets)
				if err != nil {
					return err
				}
				var sum float64
				for _, l := range nll {
					sum += float64(l)
				}
				total += sum
				count += len(nll)
				log.Info("batch",
					"step", step,
					"loss", sum/float64(len(nll)),
					"took", time.Since(start),
				)
			}
			if count == 0 {
				return fmt.Errorf("no batches evaluated")
			}
			log.Info("done", "batches", batches, "mean_loss", total/float64(count))
			return nil
		},
	}
	addAdaptiveFlags(cmd)
	cmd.Flags().
		StringVarP(&RootArgs.datasetPath, "dataset-path", "f", "dataset.bin", "Path to the int32 token file")
	cmd.Flags().
		IntVarP(&RootArgs.batchSize, "batch-size", "b", 4, "Batch size")
	cmd.Flags().
		IntVarP(&RootArgs.seqLength, "seq-length", "l", 64, "Sequence length")
	cmd.Flags().
		IntVarP(&RootArgs.maxBatches, "max-batches", "m", 0, "Stop after this many batches (0 for all)")
	return cmd
}
