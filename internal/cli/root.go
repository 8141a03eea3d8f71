// Package cli wires the instructune command tree: dataset preparation, base
// model creation, fine-tuning, sampling, merging, serving and the run ledger.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"instructune/internal/config"
	"instructune/internal/httpapi"
	"instructune/internal/manager"
	"instructune/internal/trainer"
)

// Options carries the persistent flags and the state they resolve to.
type Options struct {
	ConfigPath string
	LogLevel   string

	cfg config.Config
	log zerolog.Logger
}

// ExecuteContext runs the command tree with process arguments.
func ExecuteContext(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the instructune command tree.
func NewRootCmd() *cobra.Command {
	opts := &Options{
		ConfigPath: envStr("INSTRUCTUNE_CONFIG", ""),
		LogLevel:   envStr("INSTRUCTUNE_LOG_LEVEL", "info"),
		log:        zerolog.Nop(),
	}
	root := &cobra.Command{
		Use:           "instructune",
		Short:         "Instruction-tune a 4-bit base model with LoRA adapters, sample, merge and serve it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "Config file (.yaml|.yml|.json|.toml); defaults INSTRUCTUNE_CONFIG")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: debug|info|warn|error (defaults INSTRUCTUNE_LOG_LEVEL or info)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return opts.setup(cmd.ErrOrStderr())
	}

	root.AddCommand(
		newDatasetCmd(opts),
		newFormatCmd(opts),
		newBaseCmd(opts),
		newTrainCmd(opts),
		newGenerateCmd(opts),
		newMergeCmd(opts),
		newServeCmd(opts),
		newRunsCmd(opts),
		newPipelineCmd(opts),
	)
	return root
}

// setup loads and validates the config and installs package loggers.
func (o *Options) setup(logOut io.Writer) error {
	cfg, err := config.LoadOrDefault(o.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	o.cfg = cfg
	o.log = newLogger(o.LogLevel, logOut)
	trainer.SetLogger(o.log.With().Str("component", "trainer").Logger())
	manager.SetLogger(o.log.With().Str("component", "manager").Logger())
	httpapi.SetLogger(o.log.With().Str("component", "http").Logger())
	return nil
}

// Config returns the resolved configuration.
func (o *Options) Config() config.Config { return o.cfg }
