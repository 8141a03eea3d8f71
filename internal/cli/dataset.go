package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"instructune/internal/dataset"
	"instructune/internal/prompt"
)

func newDatasetCmd(o *Options) *cobra.Command {
	var path string
	var limit int
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Fetch and inspect the instruction dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("dataset requires a subcommand: fetch|inspect")
		},
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "Use a local JSONL file instead of downloading")
	cmd.PersistentFlags().IntVar(&limit, "limit", 0, "Keep only the first N shuffled records (0 = all)")
	apply := func(cmd *cobra.Command) {
		if cmd.Flags().Changed("path") {
			o.cfg.Dataset.Path = path
		}
		if cmd.Flags().Changed("limit") {
			o.cfg.Dataset.Limit = limit
		}
	}

	fetch := &cobra.Command{
		Use:     "fetch",
		Short:   "Download the dataset into the local cache",
		Example: "  instructune dataset fetch\n  instructune dataset fetch --path ./dolly.jsonl",
		RunE: func(cmd *cobra.Command, args []string) error {
			apply(cmd)
			s, err := loadRecords(cmd.Context(), o.cfg)
			if err != nil {
				return err
			}
			o.log.Info().Str("path", s.Path).Int("records", len(s.All)).Msg("dataset ready")
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%d records (%d train, %d held out)\n", s.Path, len(s.All), len(s.Train), len(s.Test))
			return nil
		},
	}
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show record counts per category",
		RunE: func(cmd *cobra.Command, args []string) error {
			apply(cmd)
			s, err := loadRecords(cmd.Context(), o.cfg)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "CATEGORY\tRECORDS\n")
			for _, c := range dataset.Stats(s.All) {
				fmt.Fprintf(tw, "%s\t%d\n", c.Category, c.Count)
			}
			fmt.Fprintf(tw, "total\t%d\n", len(s.All))
			return tw.Flush()
		},
	}
	cmd.AddCommand(fetch, inspect)
	return cmd
}

func newFormatCmd(o *Options) *cobra.Command {
	var (
		index      int
		promptOnly bool
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Render dataset records with the training template",
		Long: "Render dataset records with the training template. The record's response goes under\n" +
			"\"### Input:\" and its instruction under \"### Response:\", so the model learns to\n" +
			"write the instruction that produced a given text.",
		Example: "  instructune format --index 3\n  instructune format --prompt\n  instructune format --all > train.jsonl",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadRecords(cmd.Context(), o.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if all {
				enc := json.NewEncoder(out)
				for _, text := range prompt.FormatAll(s.Train) {
					if err := enc.Encode(map[string]string{"text": text}); err != nil {
						return err
					}
				}
				return nil
			}
			if index < 0 || index >= len(s.All) {
				return fmt.Errorf("index %d out of range [0,%d)", index, len(s.All))
			}
			rec := s.All[index]
			if promptOnly {
				fmt.Fprint(out, prompt.FormatPrompt(rec))
				return nil
			}
			fmt.Fprint(out, prompt.Format(rec))
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "Record index after shuffling")
	cmd.Flags().BoolVar(&promptOnly, "prompt", false, "Render the inference prompt (empty response section)")
	cmd.Flags().BoolVar(&all, "all", false, "Emit every training record as JSONL {\"text\": ...}")
	return cmd
}
