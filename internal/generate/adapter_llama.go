//go:build llama

package generate

import (
	"context"
	"errors"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"chatd/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaAdapter holds global config used to initialize a model
type llamaAdapter struct {
	ctxSize int
	threads int
}

// NewLlamaAdapter returns the in-process go-llama.cpp adapter.
func NewLlamaAdapter(ctxSize, threads int) Adapter {
	return &llamaAdapter{ctxSize: ctxSize, threads: threads}
}

// llamaSession owns the loaded model
type llamaSession struct {
	model   *llama.LLama
	threads int
}

func (a *llamaAdapter) Start(ctx context.Context, m types.Model) (Session, error) {
	if strings.TrimSpace(m.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{
		llama.SetContext(a.ctxSize),
	}
	lm, err := llama.New(m.Path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaSession{model: lm, threads: a.threads}, nil
}

// Tokenize counts with the model's tokenizer. go-llama.cpp exposes token ids
// but no per-token decoder, so pieces are estimated.
func (s *llamaSession) Tokenize(ctx context.Context, text string) (Tokens, error) {
	if s.model == nil {
		return Tokens{}, errors.New("llama model not initialized")
	}
	if text == "" {
		return Tokens{}, nil
	}
	n, _, err := s.model.TokenizeString(text, llama.SetThreads(max(1, s.threads)))
	if err != nil {
		return Tokens{}, err
	}
	if n < 0 {
		return Tokens{}, errors.New("prompt does not fit the context window")
	}
	return Tokens{Count: int(n), Pieces: estimatePieces(text)}, nil
}

func (s *llamaSession) Generate(ctx context.Context, prompt string, params Params, onToken func(string) error) (FinalResult, error) {
	if s.model == nil {
		return FinalResult{}, errors.New("llama model not initialized")
	}

	var cbErr error
	s.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		return true
	})

	po := mapParamsToPredictOptions(params, s.threads)
	text, err := s.model.Predict(prompt, po...)
	if ctx.Err() != nil {
		return FinalResult{}, ctx.Err()
	}
	if cbErr != nil && !errors.Is(cbErr, ErrStop) {
		return FinalResult{}, cbErr
	}
	if err != nil && cbErr == nil {
		return FinalResult{}, err
	}
	reason := "stop"
	if cbErr != nil {
		reason = "callback"
	}
	return FinalResult{Content: text, FinishReason: reason}, nil
}

func (s *llamaSession) Close() error {
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// mapParamsToPredictOptions converts our adapter params into go-llama.cpp options
func mapParamsToPredictOptions(params Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, params.MaxNewTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(params.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(llama.DefaultOptions.Penalty),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	return po
}
