package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"instructune/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error
	Ready() bool
}

// NewMux builds the router serving svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(MetricsMiddleware)

	h := &handlers{svc: svc}
	r.Get("/models", h.models)
	r.Get("/status", h.status)
	r.Post("/generate", h.generate)
	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

// models godoc
//
//	@Summary	List servable models
//	@Tags		models
//	@Produce	json
//	@Success	200	{object}	types.ModelsResponse
//	@Router		/models [get]
func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.ModelsResponse{Models: h.svc.ListModels()})
}

// status godoc
//
//	@Summary	Instance and memory budget status
//	@Tags		status
//	@Produce	json
//	@Success	200	{object}	types.StatusResponse
//	@Router		/status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.svc.Status())
}

// generate godoc
//
//	@Summary		Generate a completion
//	@Description	Streams NDJSON token lines followed by a final done line.
//	@Tags			generate
//	@Accept			json
//	@Produce		application/x-ndjson
//	@Param			request	body		types.GenerateRequest	true	"generation request"
//	@Success		200		{object}	types.DoneLine
//	@Failure		400		{object}	types.ErrorResponse
//	@Failure		404		{object}	types.ErrorResponse
//	@Failure		415		{object}	types.ErrorResponse
//	@Failure		429		{object}	types.ErrorResponse
//	@Failure		503		{object}	types.ErrorResponse
//	@Router			/generate [post]
func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" && strings.TrimSpace(req.Input) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt or input is required")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	sw := &startedWriter{w: w}
	var out io.Writer = sw
	lvl := requestLogLevel(r)
	if lvl >= LevelDebug {
		out = io.MultiWriter(sw, &loggingLineWriter{rid: middleware.GetReqID(r.Context())})
	}
	start := time.Now()
	if ev := requestEvent(lvl, r, false); ev != nil {
		ev.Str("model", req.Model).Msg("generate start")
	}

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if generateTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(generateTimeout)*time.Second)
		defer tcancel()
	}

	err := h.svc.Generate(ctx, req, out, flush)
	if err == nil {
		generateTotal.WithLabelValues(req.Model, "ok").Inc()
		if ev := requestEvent(lvl, r, false); ev != nil {
			ev.Int("status", http.StatusOK).Dur("dur", time.Since(start)).Msg("generate end")
		}
		return
	}
	// client gone or shutting down: nobody to answer
	if r.Context().Err() != nil || (serverBaseCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded)) {
		generateTotal.WithLabelValues(req.Model, "canceled").Inc()
		return
	}
	code := statusFor(err)
	if code == http.StatusTooManyRequests {
		IncrementBackpressure("queue")
	}
	generateTotal.WithLabelValues(req.Model, "error").Inc()
	if sw.started {
		// headers are gone; report in-band
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: err.Error(), Code: code})
		if flush != nil {
			flush()
		}
	} else {
		writeJSONError(w, code, err.Error())
	}
	if ev := requestEvent(lvl, r, true); ev != nil {
		ev.Int("status", code).Dur("dur", time.Since(start)).Err(err).Msg("generate end")
	}
}

// healthz godoc
//
//	@Summary	Liveness probe
//	@Tags		health
//	@Produce	plain
//	@Success	200	{string}	string	"ok"
//	@Router		/healthz [get]
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz godoc
//
//	@Summary	Readiness probe
//	@Tags		health
//	@Produce	plain
//	@Success	200	{string}	string	"ready"
//	@Failure	503	{string}	string	"loading"
//	@Router		/readyz [get]
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.svc.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("loading"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger().Error().Err(err).Msg("encode response")
	}
}

// startedWriter remembers whether any byte reached the client.
type startedWriter struct {
	w       io.Writer
	started bool
}

func (s *startedWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		s.started = true
	}
	return s.w.Write(p)
}
