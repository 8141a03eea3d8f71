package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"instructune/internal/manager"
	"instructune/pkg/types"
)

type mockService struct {
	models  []types.Model
	status  types.StatusResponse
	ready   bool
	genErr  error
	midErr  error
	block   bool
	lastReq types.GenerateRequest
}

func (m *mockService) ListModels() []types.Model    { return append([]types.Model(nil), m.models...) }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }

func (m *mockService) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	m.lastReq = req
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.genErr != nil {
		return m.genErr
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(types.TokenLine{Token: "hi"})
	if flush != nil {
		flush()
	}
	if m.midErr != nil {
		return m.midErr
	}
	_ = enc.Encode(types.DoneLine{Done: true, Content: "hi", FinishReason: "eos"})
	if flush != nil {
		flush()
	}
	return nil
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func postGenerate(t *testing.T, svc Service, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	return w
}

func ndjsonLines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad ndjson line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.Model{{ID: "m1", Kind: types.KindAdapter}, {ID: "m2", Kind: types.KindMerged}}}
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 || body.Models[1].Kind != types.KindMerged {
		t.Fatalf("models=%+v", body.Models)
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{BudgetMB: 10, State: "ready"}}
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.BudgetMB != 10 || body.State != "ready" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHealthAndReady(t *testing.T) {
	svc := &mockService{}
	mux := NewMux(svc)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", w.Code, w.Body.String())
	}
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("readyz not ready: %d %q", w.Code, w.Body.String())
	}
	svc.ready = true
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz ready: %d", w.Code)
	}
}

func TestGenerate_StreamsNDJSON(t *testing.T) {
	svc := &mockService{}
	w := postGenerate(t, svc, `{"model":"m1","input":"What is LoRA?","max_new_tokens":5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	lines := ndjsonLines(t, w.Body.String())
	if len(lines) != 2 || lines[0]["token"] != "hi" || lines[1]["done"] != true {
		t.Fatalf("lines=%v", lines)
	}
	if svc.lastReq.Input != "What is LoRA?" || svc.lastReq.MaxNewTokens != 5 {
		t.Fatalf("request not decoded: %+v", svc.lastReq)
	}
}

func TestGenerate_RequestValidation(t *testing.T) {
	svc := &mockService{}
	cases := []struct {
		name string
		ct   string
		body string
		want int
	}{
		{"no content type", "", `{"prompt":"x"}`, http.StatusUnsupportedMediaType},
		{"wrong content type", "text/plain", `{"prompt":"x"}`, http.StatusUnsupportedMediaType},
		{"bad json", "application/json", `{"prompt":`, http.StatusBadRequest},
		{"empty prompt", "application/json", `{"prompt":"  ","input":""}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(tc.body))
			if tc.ct != "" {
				req.Header.Set("Content-Type", tc.ct)
			}
			w := httptest.NewRecorder()
			NewMux(svc).ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d", w.Code, tc.want)
			}
			var e types.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || e.Code != tc.want {
				t.Fatalf("error body=%q err=%v", w.Body.String(), err)
			}
		})
	}
}

func TestGenerate_BodyTooLarge(t *testing.T) {
	SetMaxBodyBytes(16)
	t.Cleanup(func() { SetMaxBodyBytes(0) })
	w := postGenerate(t, &mockService{}, `{"prompt":"`+strings.Repeat("a", 64)+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestGenerate_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", manager.ErrModelNotFound("nope"), http.StatusNotFound},
		{"dependency", manager.ErrDependencyUnavailable("base model missing"), http.StatusServiceUnavailable},
		{"http error", mockHTTPError{msg: "bad", code: http.StatusBadRequest}, http.StatusBadRequest},
		{"wrapped http error", errors.Join(errors.New("ctx"), mockHTTPError{msg: "teapot", code: 418}), 418},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postGenerate(t, &mockService{genErr: tc.err}, `{"prompt":"x"}`)
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d body=%s", w.Code, tc.want, w.Body.String())
			}
			if !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
				t.Fatalf("content-type=%s", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestGenerate_ErrorAfterStreamStartIsInBand(t *testing.T) {
	w := postGenerate(t, &mockService{midErr: errors.New("decode failed")}, `{"prompt":"x"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	lines := ndjsonLines(t, w.Body.String())
	if len(lines) != 2 {
		t.Fatalf("lines=%v", lines)
	}
	if lines[1]["error"] != "decode failed" || lines[1]["code"] != float64(http.StatusInternalServerError) {
		t.Fatalf("error line=%v", lines[1])
	}
}

func TestGenerate_Timeout(t *testing.T) {
	SetGenerateTimeoutSeconds(1)
	t.Cleanup(func() { SetGenerateTimeoutSeconds(0) })
	w := postGenerate(t, &mockService{block: true}, `{"prompt":"x"}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestGenerate_ShutdownCancelsSilently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	SetBaseContext(ctx)
	t.Cleanup(func() { SetBaseContext(nil) })
	w := postGenerate(t, &mockService{block: true}, `{"prompt":"x"}`)
	if w.Body.Len() != 0 {
		t.Fatalf("expected empty body on shutdown, got %q", w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	SetCORSOptions(true, []string{"http://example.com"}, []string{"GET", "POST"}, []string{"Content-Type"})
	t.Cleanup(func() { SetCORSOptions(false, nil, nil, nil) })
	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("allow-origin=%q code=%d", got, w.Code)
	}
}

func TestSwaggerMountedWhenEnabled(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("swagger should be off by default, got %d", w.Code)
	}

	SetSwaggerEnabled(true)
	t.Cleanup(func() { SetSwaggerEnabled(false) })
	w = httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("doc.json status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/generate") {
		t.Fatalf("doc.json missing /generate: %.200s", w.Body.String())
	}
}
