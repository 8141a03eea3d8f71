package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	t.Cleanup(func() { zlog = nil })
	return &buf
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":       LevelOff,
		"off":    LevelOff,
		"error":  LevelError,
		"info":   LevelInfo,
		"DEBUG":  LevelDebug,
		" info ": LevelInfo,
		"weird":  LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x?log=1", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("?log=1 override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
}

func TestLoggingLineWriter_SplitsLines(t *testing.T) {
	buf := captureLogs(t)
	lw := &loggingLineWriter{rid: "req-1"}
	_, _ = lw.Write([]byte("a line\npartial"))
	_, _ = lw.Write([]byte("-cont\n\nlast\n"))

	out := buf.String()
	for _, want := range []string{`"line":"a line"`, `"line":"partial-cont"`, `"line":"last"`, `"request_id":"req-1"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %q", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 3 {
		t.Fatalf("want 3 log entries, got %d: %q", n, out)
	}
}

func TestRequestEvent_RespectsLevel(t *testing.T) {
	buf := captureLogs(t)
	r := httptest.NewRequest(http.MethodPost, "/generate", nil)
	if ev := requestEvent(LevelOff, r, true); ev != nil {
		t.Fatalf("off level produced an event")
	}
	if ev := requestEvent(LevelError, r, false); ev != nil {
		t.Fatalf("error level logged a success")
	}
	requestEvent(LevelError, r, true).Msg("generate end")
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"path":"/generate"`) {
		t.Fatalf("log=%q", buf.String())
	}
}

func TestGenerate_DebugLogsStreamedLines(t *testing.T) {
	buf := captureLogs(t)
	req := httptest.NewRequest(http.MethodPost, "/generate?log=debug", strings.NewReader(`{"prompt":"x","model":"m1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	out := buf.String()
	for _, want := range []string{"generate start", "generate>", "generate end", `"model":"m1"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}
