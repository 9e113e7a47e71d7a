package cmd

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/flop/pkg/adaptive"
	"github.com/conneroisu/flop/pkg/torch"
	"github.com/conneroisu/flop/pkg/vocab"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
)

// NewInspectCmd returns a new cobra.Command that builds the adaptive modules and reports
// their cluster layout.
func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the cluster layout of an adaptive embedding and softmax",
		Long: `
Builds an adaptive embedding and an adaptive log-softmax from the given
vocabulary size, cutoffs and widths, prints the per-cluster shapes and
parameter counts, then embeds and scores one id from every cluster.
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
			voc, err := loadVocab(cfg.NToken)
			if err != nil {
				return err
			}
			for i, c := range emb.Clusters {
				log.Info("cluster",
					"index", i,
					"ids", fmt.Sprintf("[%d, %d)", c.Start, c.End),
					"d_emb", c.Dim,
					"output_size", sm.Clusters[i].Size,
				)
				if voc != nil {
					log.Info("tokens", "index", i, "first", voc.Range(c.Start, min(c.End, c.Start+5)))
				}
			}
			log.Info("parameters",
				"embedding", emb.NumParameters(),
				"log_softmax", sm.NumParameters(),
				"head_size", sm.HeadSize(),
			)

			ids := make([]int32, len(emb.Clusters))
			for i, c := range emb.Clusters {
				ids[i] = int32(c.End - 1)
			}
			embedded, err := emb.Forward(ids)
			if err != nil {
				return err
			}
			log.Debug("embedded", "ids", ids, "shape", embedded.Shape)

			hidden := torch.NewTensor(len(ids), cfg.DProj)
			torch.NormalInit(hidden.Data, 1, rand.NewSource(RootArgs.seed))
			nll, err := sm.NLL(hidden, ids, true)
			if err != nil {
				return err
			}
			for i, id := range ids {
				log.Info("nll", "cluster", i, "id", id, "value", nll[i])
			}

			if RootArgs.text == "" {
				return nil
			}
			if voc == nil {
				return fmt.Errorf("--text needs --vocab")
			}
			ends, err := adaptive.CutoffEnds(cfg.NToken, cfg.Cutoffs)
			if err != nil {
				return err
			}
			for _, l := range labelText(voc, ends, RootArgs.text) {
				log.Info("token", "id", l.id, "text", l.text, "cluster", l.cluster)
			}
			return nil
		},
	}
	addAdaptiveFlags(cmd)
	cmd.Flags().
		StringVarP(&RootArgs.text, "text", "t", "", "Text to encode with --vocab, reporting the cluster of every token")
	return cmd
}

type tokenLabel struct {
	id      int32
	text    string
	cluster int
}

// labelText encodes text with voc and tags every token with its cluster, -1 for ids
// outside the vocabulary partition.
func labelText(voc *vocab.Vocab, ends []int, text string) []tokenLabel {
	ids := voc.Encode(text)
	labels := make([]tokenLabel, len(ids))
	for i, id := range ids {
		labels[i] = tokenLabel{id: id, cluster: adaptive.ClusterOf(ends, id)}
		if s := voc.Range(int(id), int(id)+1); len(s) == 1 {
			labels[i].text = s[0]
		}
	}
	return labels
}

// loadVocab returns nil when no --vocab was given.
func loadVocab(nToken int) (*vocab.Vocab, error) {
	if RootArgs.vocabPath == "" {
		return nil, nil
	}
	voc, err := vocab.Load(RootArgs.vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load vocab: %w", err)
	}
	if voc.Size() != nToken {
		log.Warn("vocab size differs from n-token", "vocab", voc.Size(), "n_token", nToken)
	}
	return voc, nil
}

func adaptiveConfig() adaptive.Config {
	cfg := adaptive.DefaultConfig(RootArgs.nToken, RootArgs.dEmbed, RootArgs.dProj, RootArgs.cutoffs...)
	cfg.DivVal = RootArgs.divVal
	cfg.KeepOrder = RootArgs.keepOrder
	cfg.Seed = RootArgs.seed
	return cfg
}
