package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"instructune/internal/generate"
	"instructune/internal/prompt"
	"instructune/pkg/types"
)

func TestNewWithConfigDefaults(t *testing.T) {
	m := NewWithConfig(ManagerConfig{})
	if m.maxQueueDepth != defaultMaxQueueDepth {
		t.Fatalf("expected default maxQueueDepth=%d got %d", defaultMaxQueueDepth, m.maxQueueDepth)
	}
	if m.maxWait != defaultMaxWait {
		t.Fatalf("expected default maxWait=%v got %v", defaultMaxWait, m.maxWait)
	}
	if m.defaults.MaxNewTokens != generate.DefaultParams().MaxNewTokens {
		t.Fatalf("expected default sampling params, got %+v", m.defaults)
	}
	if _, ok := m.adapter.(*localAdapter); !ok {
		t.Fatalf("expected local adapter by default, got %T", m.adapter)
	}
}

func TestListModelsReturnsCopy(t *testing.T) {
	reg := []types.Model{{ID: "a"}, {ID: "b"}}
	m := NewWithConfig(ManagerConfig{Registry: reg})
	out := m.ListModels()
	if len(out) != 2 {
		t.Fatalf("expected 2 got %d", len(out))
	}
	out[0].ID = "z"
	if m.ListModels()[0].ID != "a" {
		t.Fatalf("registry mutated via returned slice")
	}
}

func TestReadyReflectsInstance(t *testing.T) {
	fa := &fakeAdapter{memBytes: 3 << 20}
	m := newTestManager(fa)
	if m.Ready() {
		t.Fatalf("expected not ready initially")
	}
	if err := m.EnsureInstance(testCtx(t), ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !m.Ready() {
		t.Fatalf("expected ready after ensure")
	}
	st := m.Status()
	if len(st.Instances) != 1 || st.Instances[0].EstMemMB != 3 || st.UsedMB != 3 || st.LoadsTotal != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	// second ensure is a no-op
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatal(err)
	}
	if len(fa.loaded) != 1 {
		t.Fatalf("loaded twice: %v", fa.loaded)
	}
}

func TestEnsureErrors(t *testing.T) {
	m := newTestManager(&fakeAdapter{})
	if err := m.EnsureInstance(testCtx(t), "nope"); !IsModelNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	m2 := NewWithConfig(ManagerConfig{Adapter: &fakeAdapter{}})
	if err := m2.EnsureInstance(testCtx(t), ""); !IsModelNotFound(err) {
		t.Fatalf("expected not found without default, got %v", err)
	}

	fa := &fakeAdapter{loadErr: ErrDependencyUnavailable("base missing")}
	m3 := newTestManager(fa)
	err := m3.EnsureInstance(testCtx(t), "m")
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if m3.Ready() || m3.Snapshot().State != StateError || m3.Snapshot().Err == "" {
		t.Fatalf("expected error state: %+v", m3.Snapshot())
	}
	if st := m3.Status(); len(st.Instances) != 0 || st.UsedMB != 0 {
		t.Fatalf("failed load left state behind: %+v", st)
	}
}

func readLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var v map[string]any
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, v)
	}
	return out
}

func TestGenerateStreamsTokensAndDone(t *testing.T) {
	fa := &fakeAdapter{
		tokens: []string{"Wri", "te"},
		final:  FinalResult{Content: " Write ", FinishReason: generate.FinishEOS, Usage: types.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	}
	m := newTestManager(fa)
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	var buf bytes.Buffer
	flushes := 0
	temp := 0.5
	err := m.Generate(testCtx(t), types.GenerateRequest{Input: "Paris is in France.", Temperature: &temp, TopK: 5, Stop: []string{"###"}}, &buf, func() { flushes++ })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	lines := readLines(t, buf.Bytes())
	if len(lines) != 3 || lines[0]["token"] != "Wri" || lines[1]["token"] != "te" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	last := lines[2]
	if last["done"] != true || last["finish_reason"] != "eos" || last["response"] != "Write" {
		t.Fatalf("unexpected done line: %v", last)
	}
	if flushes != 3 {
		t.Fatalf("flushes=%d", flushes)
	}
	sess := fa.sessions[0]
	if !strings.HasSuffix(sess.lastPrompt, prompt.ResponseHeader+"\n") || !strings.Contains(sess.lastPrompt, "Paris is in France.") {
		t.Fatalf("input not templated: %q", sess.lastPrompt)
	}
	p := sess.lastParams
	if p.Temperature != 0.5 || p.TopK != 5 || p.TopP != 0.9 || p.MaxTokens != 100 || len(p.Stop) != 1 {
		t.Fatalf("unexpected params: %+v", p)
	}
	names := strings.Join(pub.Names(), ",")
	if !strings.Contains(names, "ensure_ready") || !strings.HasSuffix(names, "generate_done") {
		t.Fatalf("events: %s", names)
	}
}

func TestGenerateRawPromptHasNoResponseField(t *testing.T) {
	fa := &fakeAdapter{tokens: []string{"x"}, final: FinalResult{Content: "x", FinishReason: "length"}}
	m := newTestManager(fa)
	var buf bytes.Buffer
	if err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "hello"}, &buf, nil); err != nil {
		t.Fatal(err)
	}
	lines := readLines(t, buf.Bytes())
	if _, ok := lines[len(lines)-1]["response"]; ok {
		t.Fatalf("raw prompt should not carry response: %v", lines)
	}
	if fa.sessions[0].lastPrompt != "hello" {
		t.Fatalf("prompt rewritten: %q", fa.sessions[0].lastPrompt)
	}
}

func TestGenerateErrors(t *testing.T) {
	m := newTestManager(&fakeAdapter{})
	err := m.Generate(testCtx(t), types.GenerateRequest{}, &bytes.Buffer{}, nil)
	var sc interface{ StatusCode() int }
	if !errors.As(err, &sc) || sc.StatusCode() != 400 {
		t.Fatalf("expected 400 error, got %v", err)
	}

	boom := errors.New("boom")
	m2 := newTestManager(&fakeAdapter{genErr: boom})
	if err := m2.Generate(testCtx(t), types.GenerateRequest{Prompt: "p"}, &bytes.Buffer{}, nil); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	m3 := newTestManager(&fakeAdapter{tokens: []string{"a", "b"}})
	if err := m3.Generate(testCtx(t), types.GenerateRequest{Prompt: "p"}, &errWriter{}, nil); err == nil {
		t.Fatal("expected write error")
	}
	// the slot was released despite the failure
	if err := m3.Generate(testCtx(t), types.GenerateRequest{Prompt: "p"}, &bytes.Buffer{}, nil); err != nil {
		t.Fatalf("slot leaked: %v", err)
	}
}

func TestBeginGeneration_QueueTimeout(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Registry: []types.Model{{ID: "m", Kind: types.KindMerged}}, DefaultModel: "m", MaxQueueDepth: 1, MaxWait: 20 * time.Millisecond, Adapter: &fakeAdapter{}})
	if err := m.EnsureInstance(context.Background(), "m"); err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	_, rel, err := m.beginGeneration(context.Background(), "m")
	if err != nil {
		t.Fatalf("beginGeneration first: %v", err)
	}
	defer rel()
	_, _, err = m.beginGeneration(context.Background(), "m")
	if err == nil || !IsTooBusy(err) {
		t.Fatalf("expected tooBusyError, got %v", err)
	}
}

func TestBeginGeneration_GenTimeout(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Registry: []types.Model{{ID: "m", Kind: types.KindMerged}}, DefaultModel: "m", MaxQueueDepth: 2, MaxWait: 20 * time.Millisecond, Adapter: &fakeAdapter{}})
	if err := m.EnsureInstance(context.Background(), "m"); err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	m.mu.Lock()
	inst := m.instances["m"]
	m.mu.Unlock()
	inst.genCh <- struct{}{}
	defer func() { <-inst.genCh }()
	_, _, err := m.beginGeneration(context.Background(), "m")
	if err == nil || !IsTooBusy(err) {
		t.Fatalf("expected tooBusyError on gen wait, got %v", err)
	}
	if len(inst.queueCh) != 0 {
		t.Fatalf("queue slot leaked")
	}
}

func TestBeginGeneration_CanceledContext(t *testing.T) {
	m := newTestManager(&fakeAdapter{})
	if err := m.EnsureInstance(context.Background(), "m"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := m.beginGeneration(ctx, "m"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if _, _, err := m.beginGeneration(context.Background(), "other"); !errors.Is(err, errInstanceGone) {
		t.Fatalf("expected instance gone, got %v", err)
	}
}

func TestEvictionKeepsWithinBudget(t *testing.T) {
	fa := &fakeAdapter{}
	reg := []types.Model{
		{ID: "a", Kind: types.KindMerged, SizeBytes: 2 << 20},
		{ID: "b", Kind: types.KindMerged, SizeBytes: 2 << 20},
	}
	m := NewWithConfig(ManagerConfig{Registry: reg, BudgetMB: 3, Adapter: fa})
	if err := m.EnsureInstance(testCtx(t), "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureInstance(testCtx(t), "b"); err != nil {
		t.Fatal(err)
	}
	st := m.Status()
	if len(st.Instances) != 1 || st.Instances[0].ModelID != "b" || st.EvictionsTotal != 1 || st.UsedMB != 2 {
		t.Fatalf("unexpected status after eviction: %+v", st)
	}
	if !fa.sessions[0].closed {
		t.Fatalf("evicted session not closed")
	}
}

func TestUnloadClosesSession(t *testing.T) {
	fa := &fakeAdapter{}
	m := newTestManager(fa)
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	if err := m.Unload("m"); !IsModelNotFound(err) {
		t.Fatalf("expected not found before load, got %v", err)
	}
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatal(err)
	}
	if err := m.Unload("m"); err != nil {
		t.Fatal(err)
	}
	if !fa.sessions[0].closed || m.Ready() || len(m.Status().Instances) != 0 {
		t.Fatalf("unload incomplete: %+v", m.Status())
	}
	names := strings.Join(pub.Names(), ",")
	if !strings.HasSuffix(names, "unload_start,unload_done") {
		t.Fatalf("events: %s", names)
	}
}

func TestSwitchLoadsInBackground(t *testing.T) {
	m := newTestManager(&fakeAdapter{})
	if op := m.Switch("m"); op == "" {
		t.Fatal("empty op id")
	}
	deadline := time.Now().Add(time.Second)
	for !m.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("switch did not load the model")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = m.Close()
	if m.Ready() {
		t.Fatal("close left instances")
	}
}

// blockingSession holds the generation slot until release is closed.
type blockingSession struct {
	started chan struct{}
	release chan struct{}
	closed  bool
}

func (s *blockingSession) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	select {
	case s.started <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return FinalResult{}, ctx.Err()
	}
	return FinalResult{Content: "ok", FinishReason: generate.FinishEOS}, nil
}

func (s *blockingSession) MemBytes() int { return 1 << 20 }
func (s *blockingSession) Close() error  { s.closed = true; return nil }

type blockingAdapter struct {
	mu       sync.Mutex
	sessions []*blockingSession
	started  chan struct{}
	release  chan struct{}
}

func (a *blockingAdapter) Load(ctx context.Context, mdl types.Model) (InferSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &blockingSession{started: a.started, release: a.release}
	a.sessions = append(a.sessions, s)
	return s, nil
}

func (a *blockingAdapter) loads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func TestQueuedRequestSurvivesUnloadTimeout(t *testing.T) {
	ba := &blockingAdapter{started: make(chan struct{}, 1), release: make(chan struct{})}
	m := NewWithConfig(ManagerConfig{
		Registry:      []types.Model{{ID: "m", Kind: types.KindMerged}},
		DefaultModel:  "m",
		MaxQueueDepth: 2,
		MaxWait:       2 * time.Second,
		DrainTimeout:  50 * time.Millisecond,
		Adapter:       ba,
	})
	ctx := testCtx(t)

	errA := make(chan error, 1)
	go func() { errA <- m.Generate(ctx, types.GenerateRequest{Prompt: "a"}, io.Discard, nil) }()
	<-ba.started

	errB := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errB <- fmt.Errorf("panic: %v", r)
			}
		}()
		errB <- m.Generate(ctx, types.GenerateRequest{Prompt: "b"}, io.Discard, nil)
	}()
	// wait until B holds a queue slot
	deadline := time.Now().Add(time.Second)
	for {
		m.mu.RLock()
		q := len(m.instances["m"].queueCh)
		m.mu.RUnlock()
		if q == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second request never queued")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Unload("m"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !ba.sessions[0].closed {
		t.Fatal("unload did not close the session")
	}
	close(ba.release)

	if err := <-errA; err != nil {
		t.Fatalf("request A: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("request B: %v", err)
	}
	if ba.loads() != 2 {
		t.Fatalf("expected the queued request to reload the model, loads=%d", ba.loads())
	}
}

func TestAdmitReloadsEvictedInstance(t *testing.T) {
	fa := &fakeAdapter{tokens: []string{"x"}, final: FinalResult{Content: "x", FinishReason: generate.FinishEOS}}
	m := newTestManager(fa)
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatal(err)
	}
	// drop the instance the way eviction does, behind the caller's back
	m.mu.Lock()
	inst := m.instances["m"]
	delete(m.instances, "m")
	inst.Session = nil
	m.mu.Unlock()
	if _, _, err := m.beginGeneration(testCtx(t), "m"); !errors.Is(err, errInstanceGone) {
		t.Fatalf("expected instance gone, got %v", err)
	}

	var buf bytes.Buffer
	if err := m.Generate(testCtx(t), types.GenerateRequest{Prompt: "p"}, &buf, nil); err != nil {
		t.Fatalf("generate after eviction: %v", err)
	}
	if len(fa.loaded) != 2 {
		t.Fatalf("expected a reload, loaded=%v", fa.loaded)
	}
}
