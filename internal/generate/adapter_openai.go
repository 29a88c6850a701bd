package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"chatd/pkg/types"
)

// OpenAIConfig configures the remote completions adapter.
type OpenAIConfig struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:8080. A trailing /v1 is accepted.
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
}

// openAIAdapter implements Adapter against an OpenAI-compatible /v1/completions
// endpoint. Tokenization uses the llama.cpp server's native /tokenize endpoint
// when present.
type openAIAdapter struct {
	root       string
	apiKey     string
	client     *openai.Client
	httpClient *http.Client
}

// NewOpenAIAdapter constructs a server-backed adapter.
func NewOpenAIAdapter(cfg OpenAIConfig) Adapter {
	root := strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/v1")
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = 10 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout=0: generation has no server-imposed deadline, requests carry contexts.
	hc := &http.Client{Transport: tr}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = root + "/v1"
	oc.HTTPClient = hc
	return &openAIAdapter{
		root:       root,
		apiKey:     cfg.APIKey,
		client:     openai.NewClientWithConfig(oc),
		httpClient: hc,
	}
}

type openAISession struct {
	adapter *openAIAdapter
	modelID string
	// noTokenize is set once the server answers 404 on /tokenize.
	noTokenize atomic.Bool
}

// Start verifies the server is reachable. The model is addressed by ID.
func (a *openAIAdapter) Start(ctx context.Context, m types.Model) (Session, error) {
	if strings.TrimSpace(a.root) == "" {
		return nil, errors.New("openai adapter: empty base url")
	}
	if _, err := a.client.ListModels(ctx); err != nil {
		return nil, ErrDependencyUnavailable("completions server unreachable: " + err.Error())
	}
	return &openAISession{adapter: a, modelID: strings.TrimSpace(m.ID)}, nil
}

type tokenizeRequest struct {
	Content    string `json:"content"`
	WithPieces bool   `json:"with_pieces,omitempty"`
}

type tokenizeResponse struct {
	Tokens []json.RawMessage `json:"tokens"`
}

// tokenPiece is one /tokenize entry when with_pieces is honored.
type tokenPiece struct {
	ID    int             `json:"id"`
	Piece json.RawMessage `json:"piece"`
}

// tokenize calls the llama.cpp server's /tokenize. ok is false when the server
// has no such endpoint. pieces is nil when the server returned bare ids or a
// piece that is not valid UTF-8.
func (s *openAISession) tokenize(ctx context.Context, text string) (ids []int, pieces []string, ok bool, err error) {
	body, _ := json.Marshal(tokenizeRequest{Content: text, WithPieces: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.adapter.root+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return nil, nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.adapter.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.adapter.apiKey)
	}
	resp, err := s.adapter.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, false, ctx.Err()
		}
		return nil, nil, false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, false, fmt.Errorf("tokenize http error: %s: %s", resp.Status, string(b))
	}
	var tr tokenizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, nil, false, fmt.Errorf("decode tokenize response: %w", err)
	}
	ids = make([]int, 0, len(tr.Tokens))
	pieces = make([]string, 0, len(tr.Tokens))
	for _, raw := range tr.Tokens {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '{' {
			var tp tokenPiece
			if err := json.Unmarshal(raw, &tp); err != nil {
				return nil, nil, false, fmt.Errorf("decode token: %w", err)
			}
			ids = append(ids, tp.ID)
			var piece string
			if pieces != nil && json.Unmarshal(tp.Piece, &piece) == nil {
				pieces = append(pieces, piece)
			} else {
				pieces = nil
			}
			continue
		}
		var id int
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, nil, false, fmt.Errorf("decode token: %w", err)
		}
		ids = append(ids, id)
		pieces = nil
	}
	return ids, pieces, true, nil
}

func (s *openAISession) Tokenize(ctx context.Context, text string) (Tokens, error) {
	if text == "" {
		return Tokens{}, nil
	}
	estimate := Tokens{Count: estimateTokens(text), Pieces: estimatePieces(text)}
	if s.noTokenize.Load() {
		return estimate, nil
	}
	ids, pieces, ok, err := s.tokenize(ctx, text)
	if err != nil {
		return Tokens{}, err
	}
	if !ok {
		// not a llama.cpp server; estimate from now on
		s.noTokenize.Store(true)
		return estimate, nil
	}
	if pieces == nil {
		pieces = estimate.Pieces
	}
	return Tokens{Count: len(ids), Pieces: pieces}, nil
}

// CanBan reports whether banned words can be mapped to token ids.
func (s *openAISession) CanBan() bool { return !s.noTokenize.Load() }

// banBias is the logit bias that removes a token from sampling.
const banBias = -100

// logitBias maps banned words to single-token ids, with and without a
// leading space. Words spanning several tokens are left alone.
func (s *openAISession) logitBias(ctx context.Context, banned []string) (map[string]int, error) {
	bias := make(map[string]int)
	for _, w := range banned {
		for _, variant := range []string{w, " " + w} {
			ids, _, ok, err := s.tokenize(ctx, variant)
			if err != nil {
				return nil, err
			}
			if ok && len(ids) == 1 {
				bias[strconv.Itoa(ids[0])] = banBias
			}
		}
	}
	return bias, nil
}

func (s *openAISession) Generate(ctx context.Context, prompt string, params Params, onToken func(string) error) (FinalResult, error) {
	req := openai.CompletionRequest{
		Model:       s.modelID,
		Prompt:      prompt,
		MaxTokens:   max(1, params.MaxNewTokens),
		N:           1,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stream:      true,
	}
	if len(params.Banned) > 0 {
		bias, err := s.logitBias(ctx, params.Banned)
		if err != nil {
			return FinalResult{}, fmt.Errorf("ban tokens: %w", err)
		}
		req.LogitBias = bias
	}
	stream, err := s.adapter.client.CreateCompletionStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, fmt.Errorf("completion request: %w", err)
	}
	defer stream.Close()

	var final FinalResult
	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return final, ctx.Err()
			}
			return final, fmt.Errorf("completion stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.FinishReason != "" {
			final.FinishReason = c.FinishReason
		}
		if c.Text == "" {
			continue
		}
		if cbErr := onToken(c.Text); cbErr != nil {
			if errors.Is(cbErr, ErrStop) {
				final.FinishReason = "callback"
				break
			}
			return final, cbErr
		}
		sb.WriteString(c.Text)
	}
	final.Content = sb.String()
	return final, nil
}

func (s *openAISession) Close() error { return nil }
