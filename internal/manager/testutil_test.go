package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"instructune/pkg/types"
)

// fakeAdapter is a lightweight in-memory adapter used for tests.
type fakeAdapter struct {
	mu       sync.Mutex
	loadErr  error
	genErr   error
	tokens   []string
	final    FinalResult
	memBytes int
	loaded   []string
	sessions []*fakeSession
}

func (f *fakeAdapter) Load(ctx context.Context, mdl types.Model) (InferSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, mdl.ID)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	s := &fakeSession{f: f}
	f.sessions = append(f.sessions, s)
	return s, nil
}

type fakeSession struct {
	f          *fakeAdapter
	closed     bool
	lastPrompt string
	lastParams InferParams
}

func (s *fakeSession) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	s.lastPrompt, s.lastParams = prompt, params
	if s.f.genErr != nil {
		return FinalResult{}, s.f.genErr
	}
	for _, t := range s.f.tokens {
		select {
		case <-ctx.Done():
			return FinalResult{}, ctx.Err()
		default:
		}
		if err := onToken(t); err != nil {
			return FinalResult{}, err
		}
	}
	return s.f.final, nil
}

func (s *fakeSession) MemBytes() int { return s.f.memBytes }
func (s *fakeSession) Close() error  { s.closed = true; return nil }

// errWriter writes once, then returns an error on subsequent writes.
type errWriter struct{ wrote int }

func (e *errWriter) Write(p []byte) (int, error) {
	if e.wrote == 0 {
		e.wrote += len(p)
		return len(p), nil
	}
	return 0, errors.New("write fail")
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func newTestManager(fa *fakeAdapter, reg ...types.Model) *Manager {
	if len(reg) == 0 {
		reg = []types.Model{{ID: "m", Kind: types.KindMerged, SizeBytes: 1 << 20}}
	}
	return NewWithConfig(ManagerConfig{Registry: reg, DefaultModel: reg[0].ID, Adapter: fa})
}
