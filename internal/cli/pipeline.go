package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPipelineCmd(o *Options) *cobra.Command {
	var doMerge bool
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run train, sample and (optionally) merge in one go",
		Long: "Run the whole recipe: fetch and format the dataset, fine-tune adapters on the 4-bit\n" +
			"base, reload base + adapter to sample an instruction for a held-out record and, with\n" +
			"--merge, write a standalone merged model. The base model must exist (`base init`).",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.cfg
			out := cmd.OutOrStdout()
			res, err := runTraining(cmd.Context(), o, c)
			if err != nil {
				return err
			}
			printSummary(out, res.Summary)
			if err := sampleHeldOut(cmd.Context(), out, c, res); err != nil {
				return err
			}
			if !doMerge {
				return nil
			}
			mres, err := runMerge(cmd.Context(), o, c, res.OutputDir, c.MergedDir())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nmerged model written to %s\n", mres.OutDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&doMerge, "merge", false, "Merge the adapter into the base after training")
	return cmd
}
