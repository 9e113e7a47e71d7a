// Package cmd contains the root command for the flop CLI.
package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// rootArgs is the root command arguments.
type rootArgs struct {
	verbose     bool
	nToken      int
	dEmbed      int
	dProj       int
	cutoffs     []int
	divVal      int
	keepOrder   bool
	seed        uint64
	vocabPath   string
	text        string
	datasetPath string
	batchSize   int
	seqLength   int
	maxBatches  int
	layers      int
	width       int
	rank        int
	pattern     string
	initMean    float32
	beta        float32
	stretch     float32
	target      float32
	steps       int
}

// RootArgs is the root command arguments.
var RootArgs rootArgs

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flop",
	Short: "Adaptive softmax and hard concrete pruning toolkit",
	Long: `
Adaptive softmax and hard concrete pruning toolkit.

Builds adaptive embeddings and log-softmax layers for large vocabularies and
prunes linear layers with learned hard concrete gates.
	`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if RootArgs.verbose {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		BoolVarP(&RootArgs.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().
		Uint64VarP(&RootArgs.seed, "seed", "s", 1, "Seed for parameter initialisation and gate noise")
	rootCmd.AddCommand(NewInspectCmd())
	rootCmd.AddCommand(NewEvalCmd())
	rootCmd.AddCommand(NewCompressCmd())
}

// addAdaptiveFlags registers the flags shared by commands that build adaptive modules.
// The defaults match on every command because they all bind RootArgs.
func addAdaptiveFlags(cmd *cobra.Command) {
	cmd.Flags().
		IntVarP(&RootArgs.nToken, "n-token", "n", 10, "Vocabulary size")
	cmd.Flags().
		IntVarP(&RootArgs.dEmbed, "d-embed", "e", 8, "Embedding width of the head cluster")
	cmd.Flags().
		IntVarP(&RootArgs.dProj, "d-proj", "p", 4, "Projected width shared by every cluster")
	cmd.Flags().
		IntSliceVarP(&RootArgs.cutoffs, "cutoffs", "c", []int{4}, "Cluster boundaries")
	cmd.Flags().
		IntVarP(&RootArgs.divVal, "div-val", "d", 2, "Embedding width divisor per cluster")
	cmd.Flags().
		BoolVarP(&RootArgs.keepOrder, "keep-order", "k", true, "Return losses in input order")
	cmd.Flags().
		StringVar(&RootArgs.vocabPath, "vocab", "", "Optional frequency-sorted token table used to label ids")
}
