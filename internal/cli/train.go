package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"instructune/internal/common/fsutil"
	"instructune/internal/config"
	"instructune/internal/lora"
	"instructune/internal/model"
	"instructune/internal/prompt"
	"instructune/internal/runlog"
	"instructune/internal/tokenizer"
	"instructune/internal/trainer"
)

func newTrainCmd(o *Options) *cobra.Command {
	var (
		outputDir string
		epochs    int
		noSample  bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune LoRA adapters on the 4-bit base model",
		Long: "Load the base model, quantize it to 4 bits, attach LoRA adapters and run supervised\n" +
			"fine-tuning on the formatted dataset. Checkpoints are written at epoch boundaries and\n" +
			"the final adapter and tokenizer are saved to the output directory.",
		Example: "  instructune train\n  instructune --config run.yaml train --epochs 1 --output-dir ./out",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.cfg
			if cmd.Flags().Changed("output-dir") {
				c.Training.OutputDir = outputDir
			}
			if cmd.Flags().Changed("epochs") {
				c.Training.NumTrainEpochs = epochs
			}
			res, err := runTraining(cmd.Context(), o, c)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), res.Summary)
			if noSample {
				return nil
			}
			return sampleHeldOut(cmd.Context(), cmd.OutOrStdout(), c, res)
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Where adapters, tokenizer and checkpoints are written")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "Override training.num_train_epochs")
	cmd.Flags().BoolVar(&noSample, "no-sample", false, "Skip the post-training sample generation")
	return cmd
}

type trainResult struct {
	Summary trainer.Summary
	Data    splitRecords
	// OutputDir is absolute; the ledger keys merges on it.
	OutputDir string
}

// runTraining loads the 4-bit base, attaches adapters and trains them on the
// formatted training split, recording the run in the ledger.
func runTraining(ctx context.Context, o *Options, c config.Config) (trainResult, error) {
	out, err := absDir(c.Training.OutputDir)
	if err != nil {
		return trainResult{}, err
	}
	c.Training.OutputDir = out
	data, err := loadRecords(ctx, c)
	if err != nil {
		return trainResult{}, err
	}
	baseDir, err := c.BaseModelDir()
	if err != nil {
		return trainResult{}, err
	}
	if !model.Exists(baseDir) {
		return trainResult{}, fmt.Errorf("base model %q not found at %s (run `instructune base init`)", c.Model.Name, baseDir)
	}
	m, err := model.Load(baseDir, baseLoadOptions(c))
	if err != nil {
		return trainResult{}, fmt.Errorf("load base model: %w", err)
	}
	tok, err := tokenizer.Load(baseDir)
	if err != nil {
		return trainResult{}, fmt.Errorf("load tokenizer: %w", err)
	}
	set, err := lora.Inject(m, loraConfig(c), c.Training.Seed)
	if err != nil {
		return trainResult{}, err
	}
	trainable, total := set.CountParams(m)
	o.log.Info().
		Int("trainable", trainable).
		Int("total", total).
		Float64("trainable_pct", 100*float64(trainable)/float64(max(total, 1))).
		Msg("adapters attached")

	tr := trainer.New(m, set, tok, trainer.ArgumentsFromConfig(c.Training))
	var pubs trainer.MultiPublisher
	ledger, err := openLedger(c, o.log)
	if err != nil {
		return trainResult{}, err
	}
	if ledger != nil {
		defer ledger.Close()
		run, err := ledger.Create(ctx, c.Model.Name, c.Dataset.Name, out)
		if err != nil {
			return trainResult{}, err
		}
		tr.RunID = run.ID
		pubs = append(pubs, ledger)
	} else {
		tr.RunID = uuid.NewString()
	}
	tr.SetEventPublisher(pubs)
	if addr := c.Training.MetricsAddr; addr != "" {
		stop := serveMetrics(addr, o.log)
		defer stop()
	}

	sum, err := tr.Train(ctx, tr.BuildSequences(prompt.FormatAll(data.Train)))
	if err != nil {
		return trainResult{}, fmt.Errorf("run %s: %w", tr.RunID, err)
	}
	return trainResult{Summary: sum, Data: data, OutputDir: out}, nil
}

// openLedger returns nil when the ledger is disabled.
func openLedger(c config.Config, log zerolog.Logger) (*runlog.Store, error) {
	if c.Ledger.Disabled {
		return nil, nil
	}
	s, err := runlog.Open(c.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open run ledger: %w", err)
	}
	s.SetLogger(log.With().Str("component", "runlog").Logger())
	return s, nil
}

// serveMetrics exposes /metrics on addr for the duration of a run.
func serveMetrics(addr string, log zerolog.Logger) (stop func()) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printSummary(w io.Writer, s trainer.Summary) {
	fmt.Fprintf(w, "run %s\n", s.RunID)
	fmt.Fprintf(w, "  steps %d over %d epochs, %d tokens in %s\n", s.GlobalStep, s.Epochs, s.Tokens, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  loss %.4f -> %.4f\n", s.FirstLoss, s.FinalLoss)
	fmt.Fprintf(w, "  adapter saved to %s\n", s.OutputDir)
	for _, ck := range s.Checkpoints {
		fmt.Fprintf(w, "  checkpoint %s\n", ck)
	}
}

func absDir(dir string) (string, error) {
	p, err := fsutil.ExpandHome(dir)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}
