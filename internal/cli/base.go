package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"instructune/internal/model"
	"instructune/internal/prompt"
	"instructune/internal/tokenizer"
)

func newBaseCmd(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "base",
		Short: "Manage base models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("base requires a subcommand: init")
		},
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a randomly initialized base model and tokenizer from the dataset corpus",
		Example: "  instructune base init\n" +
			"  instructune --config tiny.yaml base init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.cfg
			dir, err := c.BaseModelDir()
			if err != nil {
				return err
			}
			if model.Exists(dir) && !force {
				return fmt.Errorf("base model already exists at %s (use --force to overwrite)", dir)
			}
			s, err := loadRecords(cmd.Context(), c)
			if err != nil {
				return err
			}
			tok, err := tokenizer.Build(c.Model.Tokenizer, c.Model.BPEEncoding, prompt.FormatAll(s.All))
			if err != nil {
				return err
			}
			m, err := model.InitRandom(modelConfig(c, tok.VocabSize()), c.Model.Seed)
			if err != nil {
				return err
			}
			if err := m.Save(dir); err != nil {
				return fmt.Errorf("save base model: %w", err)
			}
			if err := tok.Save(dir); err != nil {
				return fmt.Errorf("save tokenizer: %w", err)
			}
			o.log.Info().Str("dir", dir).Int("params", m.NumParams()).Int("vocab", tok.VocabSize()).Msg("base model written")
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%d parameters, vocab %d\n", dir, m.NumParams(), tok.VocabSize())
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing base model")
	cmd.AddCommand(initCmd)
	return cmd
}
