package generate_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"chatd/internal/generate"
	"chatd/internal/generate/generatetest"
	"chatd/pkg/types"
)

var testModel = types.Model{ID: "gpt-neo-125m.gguf", Name: "gpt-neo-125m", Path: "/models/gpt-neo-125m.gguf"}

func load(t *testing.T, a *generatetest.Adapter, opts generate.Options) *generate.Generator {
	t.Helper()
	g, err := generate.Load(context.Background(), a, testModel, opts)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func defaultOpts() generate.Options {
	return generate.Options{MaxLength: 100, NoRepeatNgramSize: 2, MaxConcurrent: 1, ControlTokens: []string{"<|endoftext|>"}}
}

func TestGenerate_ResponseStartsWithPrompt(t *testing.T) {
	a := &generatetest.Adapter{Tokens: []string{",", " my", " name", " is", " Neo", "."}}
	g := load(t, a, defaultOpts())
	for _, prompt := range []string{"Hello", "", "  spaced  prompt ", "héllo wörld"} {
		res, err := g.Generate(context.Background(), prompt)
		if err != nil {
			t.Fatalf("generate %q: %v", prompt, err)
		}
		if !strings.HasPrefix(res.Text, prompt) {
			t.Fatalf("response %q does not start with prompt %q", res.Text, prompt)
		}
		if res.Text != prompt+", my name is Neo." {
			t.Fatalf("unexpected response %q", res.Text)
		}
		if res.StopReason != generate.StopModel {
			t.Fatalf("stop=%q", res.StopReason)
		}
	}
}

func TestGenerate_TotalLengthBounded(t *testing.T) {
	var toks []string
	for i := 0; i < 50; i++ {
		toks = append(toks, " t"+string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	a := &generatetest.Adapter{Tokens: toks}
	opts := defaultOpts()
	opts.MaxLength = 10
	g := load(t, a, opts)

	res, err := g.Generate(context.Background(), "one two three")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.PromptTokens != 3 {
		t.Fatalf("prompt tokens=%d", res.PromptTokens)
	}
	if res.PromptTokens+res.CompletionTokens > opts.MaxLength {
		t.Fatalf("total tokens %d exceeds %d", res.PromptTokens+res.CompletionTokens, opts.MaxLength)
	}
	if res.CompletionTokens != 7 || res.StopReason != generate.StopLength {
		t.Fatalf("completion=%d stop=%q", res.CompletionTokens, res.StopReason)
	}
	if p := a.Params(); len(p) != 1 || p[0].MaxNewTokens != 7 {
		t.Fatalf("params=%+v", p)
	}
}

func TestGenerate_PromptFillsMaxLength(t *testing.T) {
	a := &generatetest.Adapter{Tokens: []string{" never"}}
	opts := defaultOpts()
	opts.MaxLength = 2
	g := load(t, a, opts)
	res, err := g.Generate(context.Background(), "a b c")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "a b c" || res.StopReason != generate.StopPrompt {
		t.Fatalf("res=%+v", res)
	}
	if len(a.Params()) != 0 {
		t.Fatalf("session should not be called")
	}
}

func TestGenerate_NoRepeatedBigram(t *testing.T) {
	a := &generatetest.Adapter{Tokens: []string{" the", " cat", " sat", " on", " the", " cat", " again"}}
	g := load(t, a, defaultOpts())
	res, err := g.Generate(context.Background(), "Once")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Once the cat sat on the" {
		t.Fatalf("text=%q", res.Text)
	}
	if res.StopReason != generate.StopRepeat {
		t.Fatalf("stop=%q", res.StopReason)
	}
}

func TestGenerate_PromptBigramNotRepeated(t *testing.T) {
	a := &generatetest.Adapter{Tokens: []string{" sat", " the", " cat", " down"}}
	g := load(t, a, defaultOpts())
	res, err := g.Generate(context.Background(), "the cat")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "the cat sat the" || res.StopReason != generate.StopRepeat {
		t.Fatalf("res=%+v", res)
	}
}

func TestGenerate_BigramAcrossPromptBoundary(t *testing.T) {
	a := &generatetest.Adapter{Tokens: []string{" sat", " cat", " sat"}}
	g := load(t, a, defaultOpts())
	res, err := g.Generate(context.Background(), "the cat")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// (cat, sat) was formed by the last prompt token and the first generated one.
	if res.Text != "the cat sat cat" || res.StopReason != generate.StopRepeat {
		t.Fatalf("res=%+v", res)
	}
}

func TestGenerate_RepeatResumesWithBan(t *testing.T) {
	a := &generatetest.Adapter{
		Bans: true,
		Script: func(prompt string, banned []string) []string {
			if slices.Contains(banned, "cat") {
				return []string{" dog", " dog"}
			}
			switch prompt {
			case "I saw the cat":
				return []string{" and", " the", " cat", " ran"}
			case "I saw the cat and the dog":
				return []string{" ran", "."}
			}
			return nil
		},
	}
	g := load(t, a, defaultOpts())
	res, err := g.Generate(context.Background(), "I saw the cat")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "I saw the cat and the dog ran." || res.StopReason != generate.StopModel {
		t.Fatalf("res=%+v", res)
	}
	if res.CompletionTokens != 5 {
		t.Fatalf("completion tokens=%d", res.CompletionTokens)
	}
	want := []string{"I saw the cat", "I saw the cat and the", "I saw the cat and the dog"}
	if got := a.Prompts(); !slices.Equal(got, want) {
		t.Fatalf("prompts=%q", got)
	}
	p := a.Params()
	if p[1].MaxNewTokens != 1 || !slices.Equal(p[1].Banned, []string{"cat"}) {
		t.Fatalf("ban call params=%+v", p[1])
	}
	if p[0].Banned != nil || p[2].Banned != nil || p[2].MaxNewTokens != 100-4-3 {
		t.Fatalf("params=%+v", p)
	}
}

func TestGenerate_IgnoredBanStops(t *testing.T) {
	a := &generatetest.Adapter{Bans: true, Tokens: []string{" la", " di", " la", " di"}}
	g := load(t, a, defaultOpts())
	res, err := g.Generate(context.Background(), "Sing")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.StopReason != generate.StopRepeat || res.Text != "Sing la di la la" {
		t.Fatalf("res=%+v", res)
	}
	if n := len(a.Params()); n != 4 {
		t.Fatalf("session calls=%d", n)
	}
}

func TestGenerate_ElapsedUsesClock(t *testing.T) {
	var calls int
	base := time.Unix(1700000000, 0)
	opts := defaultOpts()
	opts.Clock = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 750 * time.Millisecond)
	}
	g := load(t, &generatetest.Adapter{Tokens: []string{" ok"}}, opts)
	res, err := g.Generate(context.Background(), "x")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Elapsed != 750*time.Millisecond {
		t.Fatalf("elapsed=%v", res.Elapsed)
	}
}

func TestGenerate_ControlTokenEndsAndIsStripped(t *testing.T) {
	a := &generatetest.Adapter{Tokens: []string{" hi", " there<|endoftext|>", "<|endoftext|>", " more"}}
	g := load(t, a, defaultOpts())
	res, err := g.Generate(context.Background(), "Say")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Say hi there" {
		t.Fatalf("text=%q", res.Text)
	}
	if strings.Contains(res.Text, "<|endoftext|>") {
		t.Fatalf("control token leaked: %q", res.Text)
	}
	if res.StopReason != generate.StopControl {
		t.Fatalf("stop=%q", res.StopReason)
	}
}

func TestGenerate_SessionErrorPropagates(t *testing.T) {
	boom := errors.New("out of memory")
	a := &generatetest.Adapter{Tokens: []string{" x"}, Err: boom}
	g := load(t, a, defaultOpts())
	if _, err := g.Generate(context.Background(), "p"); !errors.Is(err, boom) {
		t.Fatalf("expected session error, got %v", err)
	}
}

func TestGenerate_SerializesByDefault(t *testing.T) {
	a := &generatetest.Adapter{Tokens: []string{" a", " b"}, Delay: 2 * time.Millisecond}
	g := load(t, a, defaultOpts())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Generate(context.Background(), "x"); err != nil {
				t.Errorf("generate: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := a.MaxActive(); got != 1 {
		t.Fatalf("max concurrent generations=%d, want 1", got)
	}
}

func TestGenerate_UnboundedWhenGateDisabled(t *testing.T) {
	hold := make(chan struct{})
	a := &generatetest.Adapter{Tokens: []string{" a"}, Hold: hold}
	opts := defaultOpts()
	opts.MaxConcurrent = 0
	g := load(t, a, opts)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Generate(context.Background(), "x")
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.MaxActive() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(hold)
	wg.Wait()
	if got := a.MaxActive(); got != 3 {
		t.Fatalf("max concurrent generations=%d, want 3", got)
	}
}

func TestGenerate_WaitingRequestHonorsCancel(t *testing.T) {
	hold := make(chan struct{})
	a := &generatetest.Adapter{Tokens: []string{" a"}, Hold: hold}
	g := load(t, a, defaultOpts())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.Generate(context.Background(), "first")
	}()
	for a.MaxActive() < 1 {
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Generate(ctx, "second"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(hold)
	<-done
}

func TestLoad_FailureIsWrapped(t *testing.T) {
	a := &generatetest.Adapter{StartErr: errors.New("bad weights")}
	_, err := generate.Load(context.Background(), a, testModel, defaultOpts())
	if err == nil || !strings.Contains(err.Error(), "load model gpt-neo-125m.gguf") {
		t.Fatalf("err=%v", err)
	}
	if _, err := generate.Load(context.Background(), nil, testModel, defaultOpts()); err == nil {
		t.Fatalf("expected error for nil adapter")
	}
}

func TestClose(t *testing.T) {
	a := &generatetest.Adapter{Tokens: []string{" a"}}
	g, err := generate.Load(context.Background(), a, testModel, defaultOpts())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !g.Ready() {
		t.Fatalf("expected ready")
	}
	if got := a.Started(); len(got) != 1 || got[0].ID != testModel.ID {
		t.Fatalf("started=%+v", got)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if g.Ready() || !a.Closed() {
		t.Fatalf("expected closed")
	}
	if _, err := g.Generate(context.Background(), "x"); !errors.Is(err, generate.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestLlamaStubUnavailable(t *testing.T) {
	if generate.LlamaBuilt() {
		t.Skip("llama support compiled in")
	}
	_, err := generate.NewLlamaAdapter(2048, 4).Start(context.Background(), testModel)
	if !generate.IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}
