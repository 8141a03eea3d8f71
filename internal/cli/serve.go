package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"instructune/internal/common/fsutil"
	"instructune/internal/httpapi"
	"instructune/internal/manager"
	"instructune/internal/registry"
)

func newServeCmd(o *Options) *cobra.Command {
	var (
		addr         string
		modelsDir    string
		defaultModel string
		budgetMB     int
		swagger      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve trained adapters and merged models over HTTP",
		Long: "Scan a directory for trained adapters and merged models and serve them:\n" +
			"GET /models, GET /status, POST /generate (NDJSON stream), /healthz, /readyz, /metrics.",
		Example: "  instructune serve --models-dir . --addr :8080\n  INSTRUCTUNE_SWAGGER=1 instructune serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.cfg
			s := &c.Server
			flags := cmd.Flags()
			if flags.Changed("addr") {
				s.Addr = addr
			}
			if flags.Changed("models-dir") {
				s.ModelsDir = modelsDir
			}
			if flags.Changed("default-model") {
				s.DefaultModel = defaultModel
			}
			if flags.Changed("budget-mb") {
				s.BudgetMB = budgetMB
			} else if s.BudgetMB == 0 {
				s.BudgetMB = envInt("INSTRUCTUNE_BUDGET_MB", 0)
			}
			s.Swagger = s.Swagger || swagger || envBool("INSTRUCTUNE_SWAGGER", false)

			reg, err := registry.LoadDir(s.ModelsDir)
			if err != nil {
				return err
			}
			baseModels, err := fsutil.ExpandHome(c.Model.ModelsDir)
			if err != nil {
				return err
			}
			for _, is := range manager.SanityCheck(reg, baseModels) {
				o.log.Warn().Str("model", is.ModelID).Str("error", is.Error).Msg("model will not load")
			}
			if s.DefaultModel == "" && len(reg) == 1 {
				s.DefaultModel = reg[0].ID
			}
			mgr := manager.NewWithConfig(manager.ManagerConfig{
				Registry:      reg,
				BudgetMB:      s.BudgetMB,
				MarginMB:      s.MarginMB,
				DefaultModel:  s.DefaultModel,
				MaxQueueDepth: s.MaxQueueDepth,
				MaxWait:       time.Duration(s.MaxWaitSeconds) * time.Second,
				BaseModelsDir: baseModels,
				BaseLoad:      baseLoadOptions(c),
				Defaults:      generationParams(c),
				Publisher:     logPublisher{log: o.log.With().Str("component", "manager").Logger()},
			})
			defer mgr.Close()

			httpapi.SetMaxBodyBytes(s.MaxBodyBytes)
			httpapi.SetGenerateTimeoutSeconds(s.GenerateTimeoutSec)
			httpapi.SetCORSOptions(s.CORSEnabled, s.CORSAllowedOrigins, s.CORSAllowedMethods, s.CORSAllowedHeaders)
			httpapi.SetSwaggerEnabled(s.Swagger)

			ctx := cmd.Context()
			baseCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			httpapi.SetBaseContext(baseCtx)

			if s.DefaultModel != "" {
				op := mgr.Switch(s.DefaultModel)
				o.log.Info().Str("model", s.DefaultModel).Str("op", op).Msg("warming default model")
			}
			srv := &http.Server{Addr: s.Addr, Handler: httpapi.NewMux(mgr), ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				o.log.Info().Str("addr", s.Addr).Int("models", len(reg)).Str("models_dir", s.ModelsDir).Msg("instructune listening")
				errCh <- srv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			cancel()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				o.log.Warn().Err(err).Msg("graceful shutdown error")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080")
	f.StringVar(&modelsDir, "models-dir", "", "Directory to scan for adapters and merged models")
	f.StringVar(&defaultModel, "default-model", "", "Model id used when a request omits model")
	f.IntVar(&budgetMB, "budget-mb", 0, "Memory budget in MB for loaded models (0 = unlimited)")
	f.BoolVar(&swagger, "swagger", false, "Serve API docs under /swagger/")
	return cmd
}

// logPublisher writes manager lifecycle events to the log.
type logPublisher struct {
	log zerolog.Logger
}

func (p logPublisher) Publish(e manager.Event) {
	ev := p.log.Debug()
	if e.Name == "ensure_error" || e.Name == "unload_timeout" {
		ev = p.log.Warn()
	}
	ev.Str("event", e.Name).Str("model", e.ModelID).Fields(e.Fields).Msg("manager event")
}
