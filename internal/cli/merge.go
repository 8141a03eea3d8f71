package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"instructune/internal/common/fsutil"
	"instructune/internal/config"
	"instructune/internal/lora"
	"instructune/internal/manager"
	"instructune/internal/merge"
)

func newMergeCmd(o *Options) *cobra.Command {
	var adapterDir, outDir string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Fold adapter deltas into the base weights and save a standalone model",
		Example: "  instructune merge\n" +
			"  instructune merge --adapter-dir ./out/checkpoint-120 --out ./merged",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.cfg
			if adapterDir == "" {
				adapterDir = c.Training.OutputDir
			}
			if outDir == "" {
				outDir = c.MergedDir()
			}
			res, err := runMerge(cmd.Context(), o, c, adapterDir, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%d layers merged, %d bytes\n", res.OutDir, res.Layers, res.Bytes)
			return nil
		},
	}
	cmd.Flags().StringVar(&adapterDir, "adapter-dir", "", "Adapter directory (defaults training.output_dir)")
	cmd.Flags().StringVar(&outDir, "out", "", "Output directory (defaults <output_dir>-merged)")
	return cmd
}

// runMerge resolves the adapter's base model, merges and marks the run merged.
func runMerge(ctx context.Context, o *Options, c config.Config, adapterDir, outDir string) (merge.Result, error) {
	adapterDir, err := absDir(adapterDir)
	if err != nil {
		return merge.Result{}, err
	}
	acfg, err := lora.ReadConfig(adapterDir)
	if err != nil {
		return merge.Result{}, err
	}
	modelsDir, err := fsutil.ExpandHome(c.Model.ModelsDir)
	if err != nil {
		return merge.Result{}, err
	}
	baseDir, ok := manager.ResolveBaseDir(modelsDir, acfg.BaseModel)
	if !ok {
		return merge.Result{}, fmt.Errorf("base model %q of adapter %s not found under %s", acfg.BaseModel, adapterDir, modelsDir)
	}
	if outDir, err = absDir(outDir); err != nil {
		return merge.Result{}, err
	}
	res, err := merge.MergeAndSave(baseDir, adapterDir, outDir)
	if err != nil {
		return merge.Result{}, err
	}
	o.log.Info().Str("adapter", adapterDir).Str("base", baseDir).Str("out", res.OutDir).Int("layers", res.Layers).Msg("adapter merged")

	ledger, err := openLedger(c, o.log)
	if err != nil || ledger == nil {
		return res, err
	}
	defer ledger.Close()
	n, err := ledger.MarkMergedByOutput(ctx, adapterDir)
	if err != nil {
		return res, fmt.Errorf("update run ledger: %w", err)
	}
	if n == 0 {
		o.log.Debug().Str("adapter", adapterDir).Msg("no trained run recorded for adapter")
	}
	return res, nil
}
