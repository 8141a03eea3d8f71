package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"instructune/internal/common/fsutil"
	"instructune/internal/config"
	"instructune/internal/dataset"
	"instructune/internal/generate"
	"instructune/internal/manager"
	"instructune/internal/prompt"
	"instructune/internal/registry"
	"instructune/pkg/types"
)

func newGenerateCmd(o *Options) *cobra.Command {
	var (
		modelDir    string
		input       string
		rawPrompt   string
		maxNew      int
		temperature float64
		topP        float64
		topK        int
		seed        int64
		stop        string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample a completion from a trained adapter or merged model",
		Long: "Reload base + adapter (or a merged model) and generate with temperature and nucleus\n" +
			"sampling. --input is wrapped in the training template; --prompt is used verbatim.\n" +
			"With neither, a held-out dataset record is used and its ground truth is shown.",
		Example: "  instructune generate --input \"The Eiffel Tower is 330 metres tall.\"\n" +
			"  instructune generate --model-dir ./tiny-gpt-int4-dolly-merged --prompt \"### Instruction:\" --seed 7",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.cfg
			if modelDir == "" {
				modelDir = c.Training.OutputDir
			}
			p := generationParams(c)
			flags := cmd.Flags()
			if flags.Changed("max-new-tokens") {
				p.MaxNewTokens = maxNew
			}
			if flags.Changed("temperature") {
				p.Temperature = temperature
			}
			if flags.Changed("top-p") {
				p.TopP = topP
			}
			if flags.Changed("top-k") {
				p.TopK = topK
			}
			if flags.Changed("seed") {
				p.Seed = seed
			}
			p.Stop = splitCSV(stop)

			out := cmd.OutOrStdout()
			switch {
			case rawPrompt != "":
				_, err := streamCompletion(cmd.Context(), out, c, modelDir, rawPrompt, p)
				return err
			case input != "":
				res, err := streamCompletion(cmd.Context(), out, c, modelDir, prompt.FormatPrompt(dataset.Record{Response: input}), p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n\nGenerated instruction:\n%s\n", prompt.ExtractResponse(res.Content))
				return nil
			}
			s, err := loadRecords(cmd.Context(), c)
			if err != nil {
				return err
			}
			return sampleRecord(cmd.Context(), out, c, modelDir, s, p)
		},
	}
	f := cmd.Flags()
	f.StringVar(&modelDir, "model-dir", "", "Adapter or merged model directory (defaults training.output_dir)")
	f.StringVar(&input, "input", "", "Text placed under the template's Input section")
	f.StringVar(&rawPrompt, "prompt", "", "Raw prompt, used verbatim")
	f.IntVar(&maxNew, "max-new-tokens", 0, "Maximum tokens to generate")
	f.Float64Var(&temperature, "temperature", 0, "Sampling temperature")
	f.Float64Var(&topP, "top-p", 0, "Nucleus sampling probability mass")
	f.IntVar(&topK, "top-k", 0, "Keep only the k most likely tokens (0 = off)")
	f.Int64Var(&seed, "seed", 0, "Sampling seed (0 = time based)")
	f.StringVar(&stop, "stop", "", "Comma-separated stop sequences")
	return cmd
}

// loadSession reloads dir the same way the server does: an adapter over its
// 4-bit base, or a merged model at full precision.
func loadSession(ctx context.Context, c config.Config, dir string) (manager.InferSession, types.Model, error) {
	abs, err := absDir(dir)
	if err != nil {
		return nil, types.Model{}, err
	}
	mdl, ok := registry.Inspect(abs)
	if !ok {
		return nil, types.Model{}, fmt.Errorf("no adapter or merged model in %s", abs)
	}
	modelsDir, err := fsutil.ExpandHome(c.Model.ModelsDir)
	if err != nil {
		return nil, types.Model{}, err
	}
	sess, err := manager.NewLocalAdapter(modelsDir, baseLoadOptions(c)).Load(ctx, mdl)
	if err != nil {
		return nil, types.Model{}, err
	}
	return sess, mdl, nil
}

// streamCompletion writes generated text to w as it is produced.
func streamCompletion(ctx context.Context, w io.Writer, c config.Config, dir, text string, p generate.Params) (manager.FinalResult, error) {
	sess, _, err := loadSession(ctx, c, dir)
	if err != nil {
		return manager.FinalResult{}, err
	}
	defer sess.Close()
	params := manager.InferParams{
		Temperature: p.Temperature,
		TopP:        p.TopP,
		TopK:        p.TopK,
		MaxTokens:   p.MaxNewTokens,
		Stop:        p.Stop,
		Seed:        p.Seed,
	}
	res, err := sess.Generate(ctx, text, params, func(piece string) error {
		_, err := io.WriteString(w, piece)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("generate: %w", err)
	}
	return res, nil
}

// sampleRecord generates the instruction for a held-out record and prints it
// next to the ground truth.
func sampleRecord(ctx context.Context, w io.Writer, c config.Config, dir string, s splitRecords, p generate.Params) error {
	rec, ok := s.heldOut(lo.FromPtr(c.Dataset.ShuffleSeed) + 1)
	if !ok {
		return fmt.Errorf("no record to sample from")
	}
	fmt.Fprintf(w, "Prompt:\n%s\n\n", strings.TrimSpace(rec.Response))
	var gen strings.Builder
	res, err := streamCompletion(ctx, &gen, c, dir, prompt.FormatPrompt(rec), p)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Generated instruction:\n%s\n\n", prompt.ExtractResponse(gen.String()))
	fmt.Fprintf(w, "Ground truth:\n%s\n", strings.TrimSpace(rec.Instruction))
	fmt.Fprintf(w, "(%d prompt tokens, %d generated, finish: %s)\n", res.Usage.PromptTokens, res.Usage.CompletionTokens, res.FinishReason)
	return nil
}

func sampleHeldOut(ctx context.Context, w io.Writer, c config.Config, res trainResult) error {
	fmt.Fprintln(w)
	return sampleRecord(ctx, w, c, res.OutputDir, res.Data, generationParams(c))
}
