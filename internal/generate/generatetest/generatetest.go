// Package generatetest provides a scripted generate.Adapter for tests.
package generatetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatd/internal/generate"
	"chatd/pkg/types"
)

// Adapter replays Tokens for every generation. It is both the adapter and
// the session it starts.
type Adapter struct {
	// Tokens emitted in order, capped by Params.MaxNewTokens.
	Tokens []string
	// StartErr is returned by Start.
	StartErr error
	// Err is returned by Generate after emitting Tokens.
	Err error
	// Delay is slept before each token; a canceled context aborts it.
	Delay time.Duration
	// Hold, when non-nil, blocks every Generate call until it is closed.
	Hold chan struct{}
	// Script, when set, replaces Tokens and picks the tokens to emit from
	// the prompt and the banned words of each call.
	Script func(prompt string, banned []string) []string
	// Bans makes the session report that it honors Params.Banned.
	Bans bool

	mu        sync.Mutex
	started   []types.Model
	params    []generate.Params
	prompts   []string
	closed    bool
	active    atomic.Int32
	maxActive atomic.Int32
}

// Start records model and returns the adapter itself.
func (a *Adapter) Start(ctx context.Context, m types.Model) (generate.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.StartErr != nil {
		return nil, a.StartErr
	}
	a.started = append(a.started, m)
	return a, nil
}

// Tokenize treats every whitespace separated word as one token. Words after
// the first keep a leading space.
func (a *Adapter) Tokenize(ctx context.Context, text string) (generate.Tokens, error) {
	words := strings.Fields(text)
	pieces := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		pieces[i] = w
	}
	return generate.Tokens{Count: len(words), Pieces: pieces}, nil
}

// CanBan reports the Bans field.
func (a *Adapter) CanBan() bool { return a.Bans }

// Generate emits the scripted tokens.
func (a *Adapter) Generate(ctx context.Context, prompt string, params generate.Params, onToken func(string) error) (generate.FinalResult, error) {
	n := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		cur := a.maxActive.Load()
		if n <= cur || a.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	a.mu.Lock()
	a.params = append(a.params, params)
	a.prompts = append(a.prompts, prompt)
	a.mu.Unlock()

	tokens := a.Tokens
	if a.Script != nil {
		tokens = a.Script(prompt, params.Banned)
	}

	if a.Hold != nil {
		select {
		case <-a.Hold:
		case <-ctx.Done():
			return generate.FinalResult{}, ctx.Err()
		}
	}
	var sb strings.Builder
	for i, tok := range tokens {
		if i >= params.MaxNewTokens {
			break
		}
		if a.Delay > 0 {
			select {
			case <-time.After(a.Delay):
			case <-ctx.Done():
				return generate.FinalResult{}, ctx.Err()
			}
		}
		if err := onToken(tok); err != nil {
			if errors.Is(err, generate.ErrStop) {
				return generate.FinalResult{Content: sb.String(), FinishReason: "callback"}, nil
			}
			return generate.FinalResult{}, err
		}
		sb.WriteString(tok)
	}
	if a.Err != nil {
		return generate.FinalResult{}, a.Err
	}
	return generate.FinalResult{Content: sb.String(), FinishReason: "stop"}, nil
}

// Close marks the session closed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Closed reports whether Close was called.
func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Started returns the models passed to Start.
func (a *Adapter) Started() []types.Model {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Model(nil), a.started...)
}

// Params returns the parameters of every Generate call so far.
func (a *Adapter) Params() []generate.Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]generate.Params(nil), a.params...)
}

// Prompts returns the prompt of every Generate call so far.
func (a *Adapter) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

// MaxActive returns the highest number of simultaneous Generate calls seen.
func (a *Adapter) MaxActive() int { return int(a.maxActive.Load()) }
