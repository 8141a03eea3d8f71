package manager

import (
	"context"

	"instructune/pkg/types"
)

// InferenceAdapter abstracts the model runtime used by the Manager.
type InferenceAdapter interface {
	// Load materializes mdl and returns a session that can serve generations.
	Load(ctx context.Context, mdl types.Model) (InferSession, error)
}

// InferSession is a loaded model able to serve generations, one at a time.
type InferSession interface {
	// Generate streams text pieces for prompt through onToken. Implementations
	// must return when ctx is canceled.
	Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error)
	// MemBytes is the resident size of the loaded weights.
	MemBytes() int
	// Close releases any resources associated with the session.
	Close() error
}

// InferParams captures generation parameters passed to the session.
type InferParams struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
	Stop        []string
	Seed        int64
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	Usage        types.Usage
	FinishReason string
}
