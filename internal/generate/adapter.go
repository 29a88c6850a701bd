package generate

import (
	"context"

	"chatd/pkg/types"
)

// Adapter abstracts the model runtime used by the Generator.
// Concrete implementations (llama.cpp, OpenAI-compatible servers) satisfy it.
type Adapter interface {
	// Start loads model and returns a session ready for inference.
	Start(ctx context.Context, model types.Model) (Session, error)
}

// Session is a loaded model plus its tokenizer.
type Session interface {
	// Tokenize runs the model's tokenizer over text.
	Tokenize(ctx context.Context, text string) (Tokens, error)
	// Generate continues prompt. onToken is invoked once per generated token,
	// in order. When onToken returns an error the session stops generating;
	// ErrStop ends generation normally, any other error is returned.
	// Implementations must return when the context is canceled.
	Generate(ctx context.Context, prompt string, params Params, onToken func(string) error) (FinalResult, error)
	// Close releases any resources associated with the session.
	Close() error
}

// Tokens is the tokenizer's view of a text.
type Tokens struct {
	// Count is the exact number of tokens.
	Count int
	// Pieces are the decoded tokens in order. Backends without a
	// per-token decoder return an approximation.
	Pieces []string
}

// TokenBanner is implemented by sessions that can keep Params.Banned out of
// sampling.
type TokenBanner interface {
	CanBan() bool
}

// Params captures generation parameters passed to the adapter.
type Params struct {
	// MaxNewTokens is the number of tokens the session may produce.
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	TopK         int
	Seed         int
	// Banned words must not be sampled. Only honored by a TokenBanner.
	Banned []string
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	FinishReason string
}
