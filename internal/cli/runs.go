package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCmd(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the fine-tuning run ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("runs requires a subcommand: list|show")
		},
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger(o.cfg, o.log)
			if err != nil {
				return err
			}
			if ledger == nil {
				return fmt.Errorf("run ledger is disabled")
			}
			defer ledger.Close()
			runs, err := ledger.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tSTATUS\tBASE\tSTEPS\tLOSS\tCREATED\tOUTPUT\n")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.4f\t%s\t%s\n",
					r.ID, r.Status, r.BaseModel, r.Steps, r.FinalLoss, r.CreatedAt.Local().Format(time.DateTime), r.OutputDir)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show (0 = all)")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its logged metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger(o.cfg, o.log)
			if err != nil {
				return err
			}
			if ledger == nil {
				return fmt.Errorf("run ledger is disabled")
			}
			defer ledger.Close()
			r, err := ledger.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			metrics, err := ledger.Metrics(cmd.Context(), r.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s (%s)\n  base %s, dataset %s\n  output %s\n", r.ID, r.Status, r.BaseModel, r.Dataset, r.OutputDir)
			if r.Error != "" {
				fmt.Fprintf(out, "  error: %s\n", r.Error)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "STEP\tEPOCH\tLOSS\tLR\tGRAD_NORM\n")
			for _, m := range metrics {
				fmt.Fprintf(tw, "%d\t%.2f\t%.4f\t%.2e\t%.4f\n", m.Step, m.Epoch, m.Loss, m.LearningRate, m.GradNorm)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}
