package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatd/pkg/types"
)

// defaultMaxLength applies when Options.MaxLength is unset.
const defaultMaxLength = 100

// Stop reasons reported in Result.
const (
	StopModel   = "model"   // the session finished on its own
	StopLength  = "length"  // max_length reached
	StopRepeat  = "repeat"  // next token would repeat an n-gram
	StopControl = "control" // the model emitted a control token
	StopPrompt  = "prompt"  // the prompt alone filled max_length
)

// Options configures a Generator.
type Options struct {
	// MaxLength bounds prompt plus generated tokens.
	MaxLength int
	// NoRepeatNgramSize forbids any repeated n-gram of this size across the
	// prompt and the generated tokens. Zero disables the constraint.
	NoRepeatNgramSize int
	// MaxConcurrent bounds simultaneous generations. Zero admits everything.
	MaxConcurrent int
	// ControlTokens are stripped from the output; a token equal to one of
	// them ends generation.
	ControlTokens []string
	// Sampling parameters forwarded to the session.
	Sampling Params
	Logger   *zerolog.Logger
	// Clock replaces time.Now, for tests.
	Clock func() time.Time
}

// Result is one decoded generation.
type Result struct {
	// Text is the prompt followed by the decoded continuation.
	Text             string
	PromptTokens     int
	CompletionTokens int
	StopReason       string
	// Elapsed covers the admitted generation only, not time spent waiting
	// for the admission gate.
	Elapsed time.Duration
}

// Generator is the process-wide model handle. It is safe for concurrent use;
// calls into the session are bounded by the admission gate.
type Generator struct {
	model   types.Model
	opts    Options
	session Session
	gate    *gate
	decoder *decoder
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Load starts a session for model on adapter. Callers treat an error as fatal.
func Load(ctx context.Context, a Adapter, model types.Model, opts Options) (*Generator, error) {
	if a == nil {
		return nil, errors.New("nil adapter")
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = defaultMaxLength
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "generate").Str("model", model.ID).Logger()
	}
	sess, err := a.Start(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", model.ID, err)
	}
	log.Info().Str("path", model.Path).Int("max_concurrent", opts.MaxConcurrent).Msg("model loaded")
	return &Generator{
		model:   model,
		opts:    opts,
		session: sess,
		gate:    newGate(opts.MaxConcurrent),
		decoder: newDecoder(opts.ControlTokens),
		log:     log,
	}, nil
}

// Model returns the loaded model.
func (g *Generator) Model() types.Model { return g.model }

// Ready reports whether the generator can serve requests.
func (g *Generator) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.closed && g.session != nil
}

// Generate continues prompt under the configured constraints. The returned
// text always starts with prompt and never contains a partial token.
//
// A token that would repeat an n-gram of the prompt or the output is
// rejected. When the session can ban tokens, generation resumes with the
// offending words banned for one token; otherwise it ends there.
func (g *Generator) Generate(ctx context.Context, prompt string) (Result, error) {
	release, err := g.gate.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()
	start := g.opts.Clock()

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return Result{}, ErrClosed
	}

	promptToks, err := g.session.Tokenize(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("tokenize prompt: %w", err)
	}
	res := Result{Text: prompt, PromptTokens: promptToks.Count}
	budget := g.opts.MaxLength - promptToks.Count
	if budget <= 0 {
		res.StopReason = StopPrompt
		res.Elapsed = g.opts.Clock().Sub(start)
		return res, nil
	}

	guard := newNgramGuard(g.opts.NoRepeatNgramSize)
	guard.seed(promptToks.Pieces)
	banner, _ := g.session.(TokenBanner)
	canBan := banner != nil && banner.CanBan()

	tokens := make([]string, 0, budget)
	var banned []string
	stop := ""
	for stop == "" {
		params := g.opts.Sampling
		params.MaxNewTokens = budget - len(tokens)
		params.Banned = banned
		if banned != nil {
			params.MaxNewTokens = 1
		}
		resume := false
		onToken := func(tok string) error {
			switch {
			case len(tokens) >= budget:
				stop = StopLength
				return ErrStop
			case g.decoder.isControl(tok):
				stop = StopControl
				return ErrStop
			case !guard.admit(tok):
				stop = StopRepeat
				return ErrStop
			}
			tokens = append(tokens, tok)
			if banned != nil {
				resume = true
				return ErrStop
			}
			return nil
		}
		input := prompt + strings.Join(tokens, "")
		if _, err := g.session.Generate(ctx, input, params, onToken); err != nil {
			return Result{}, err
		}
		switch {
		case resume:
			banned = nil
			if len(tokens) >= budget {
				stop = StopLength
			}
		case stop == StopRepeat && canBan && banned == nil && len(tokens) < budget:
			if banned = guard.banned(); len(banned) > 0 {
				stop = ""
			}
		case stop == "":
			stop = StopModel
			if len(tokens) >= budget {
				stop = StopLength
			}
		}
	}
	res.Text = prompt + g.decoder.decode(tokens)
	res.CompletionTokens = len(tokens)
	res.StopReason = stop
	res.Elapsed = g.opts.Clock().Sub(start)
	g.log.Debug().
		Int("prompt_tokens", res.PromptTokens).
		Int("completion_tokens", res.CompletionTokens).
		Str("stop", stop).
		Dur("elapsed", res.Elapsed).
		Int("inflight", g.gate.inflight()).
		Msg("generation done")
	return res, nil
}

// Close releases the session. In-flight generations finish first.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.session.Close()
}
