package cmd

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/flop/pkg/hardconcrete"
	"github.com/conneroisu/flop/pkg/linear"
	"github.com/conneroisu/flop/pkg/prune"
	"github.com/spf13/cobra"
)

// NewCompressCmd returns a new cobra.Command that runs the factorize, gate and compress
// pipeline on a stack of randomly initialised layers.
func NewCompressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compress",
		Short: "Factorize, gate and compress a stack of linear layers",
		Long: `
Builds a stack of randomly initialised feed-forward layers, factorizes the
ones matching --pattern into low-rank projections, gates them with hard
concrete masks and pushes the expected sparsity towards --target with the
Lagrangian penalty alone. The gated layers are then compressed and the
parameter counts before and after are reported.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prune.NewRegistry()
			w := RootArgs.width
			for i := 0; i < RootArgs.layers; i++ {
				seed := RootArgs.seed + uint64(2*i)
				if err := reg.Add(fmt.Sprintf("layers.%d.ff.in", i), linear.New(w, 4*w, true, 0.02, seed)); err != nil {
					return err
				}
				if err := reg.Add(fmt.Sprintf("layers.%d.ff.out", i), linear.New(4*w, w, true, 0.02, seed+1)); err != nil {
					return err
				}
			}
			selected, err := reg.Select(RootArgs.pattern)
			if err != nil {
				return err
			}
			for _, e := range selected {
				l, ok := e.Layer.(*linear.Linear)
				if !ok {
					continue
				}
				p, err := linear.Factorize(l, min(RootArgs.rank, l.In, l.Out))
				if err != nil {
					return fmt.Errorf("factorizing %q: %w", e.Name, err)
				}
				if err := reg.Replace(e.Name, p); err != nil {
					return err
				}
				log.Debug("factorized", "name", e.Name, "rank", p.Rank())
			}

			hcCfg := hardconcrete.DefaultConfig()
			hcCfg.InitMean = RootArgs.initMean
			hcCfg.Beta = RootArgs.beta
			hcCfg.Stretch = RootArgs.stretch
			hcCfg.Seed = RootArgs.seed
			gated, err := reg.MakeHardConcrete(RootArgs.pattern, hcCfg)
			if err != nil {
				return err
			}
			log.Info("gated", "layers", gated, "prunable", reg.NumPrunable(), "l0", reg.L0Norm())

			lag := &prune.Lagrangian{TargetSparsity: RootArgs.target, WarmupSteps: RootArgs.steps / 2}
			const lr, gateLR = 0.5, 50
			for step := 0; step < RootArgs.steps; step++ {
				for _, e := range reg.Gated() {
					e.Layer.(linear.Gated).Mask().ZeroGrad()
				}
				expected := reg.ExpectedSparsity()
				penalty := lag.Apply(reg, step)
				for _, e := range reg.Gated() {
					mask := e.Layer.(linear.Gated).Mask()
					for i := range mask.LogAlpha {
						mask.LogAlpha[i] -= gateLR * mask.Grad[i]
					}
				}
				lag.Ascend(expected, step, lr)
				if step%10 == 0 || step == RootArgs.steps-1 {
					log.Info("step",
						"step", step,
						"expected_sparsity", expected,
						"target", lag.Target(step),
						"penalty", penalty,
					)
				}
			}

			before, after, err := reg.Compress()
			if err != nil {
				return err
			}
			log.Info("compressed",
				"before", before,
				"after", after,
				"ratio", float64(after)/float64(before),
			)
			return nil
		},
	}
	cmd.Flags().
		IntVarP(&RootArgs.layers, "layers", "L", 2, "Number of feed-forward blocks")
	cmd.Flags().
		IntVarP(&RootArgs.width, "width", "w", 16, "Model width")
	cmd.Flags().
		IntVarP(&RootArgs.rank, "rank", "r", 8, "Rank of the factorized projections")
	cmd.Flags().
		StringVarP(&RootArgs.pattern, "pattern", "P", `\.ff\.`, "Pattern selecting the layers to prune")
	cmd.Flags().
		Float32VarP(&RootArgs.initMean, "init-mean", "i", 0.5, "Initial drop probability of every gate")
	cmd.Flags().
		Float32VarP(&RootArgs.beta, "beta", "B", 1.0, "Hard concrete temperature")
	cmd.Flags().
		Float32VarP(&RootArgs.stretch, "stretch", "S", 0.1, "Hard concrete stretch")
	cmd.Flags().
		Float32VarP(&RootArgs.target, "target", "t", 0.5, "Target sparsity")
	cmd.Flags().
		IntVarP(&RootArgs.steps, "steps", "T", 100, "Penalty optimisation steps")
	return cmd
}
