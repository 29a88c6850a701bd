// Package gateway turns chat requests into generations and records how long
// each successful generation took.
package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/generate"
	"chatd/pkg/types"
)

// Generator is the text-generation collaborator.
type Generator interface {
	Generate(ctx context.Context, prompt string) (generate.Result, error)
	Ready() bool
}

// LatencyRecorder stores the duration of the most recent generation.
type LatencyRecorder interface {
	ObserveLatency(d time.Duration)
}

// Gateway implements the chat operation on top of a Generator.
type Gateway struct {
	gen     Generator
	latency LatencyRecorder
	log     zerolog.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(g *Gateway) { g.log = l } }

// New returns a Gateway writing latencies into rec.
func New(gen Generator, rec LatencyRecorder, opts ...Option) *Gateway {
	g := &Gateway{gen: gen, latency: rec, log: zerolog.Nop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Chat generates a continuation of req.Prompt. The latency gauge is only
// written when generation succeeds, with the time the generator spent on it
// after admission.
func (g *Gateway) Chat(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error) {
	res, err := g.gen.Generate(ctx, req.Prompt)
	if err != nil {
		return types.ChatResponse{}, err
	}
	g.latency.ObserveLatency(res.Elapsed)
	g.log.Debug().
		Dur("elapsed", res.Elapsed).
		Int("prompt_tokens", res.PromptTokens).
		Int("completion_tokens", res.CompletionTokens).
		Str("stop", res.StopReason).
		Msg("chat generated")
	return types.ChatResponse{Response: res.Text}, nil
}

// Ready reports whether the underlying model is loaded.
func (g *Gateway) Ready() bool { return g.gen.Ready() }
