package generate

import (
	"sort"
	"strings"
)

// ngramGuard rejects a token that would complete an n-gram already present
// in the prompt or the generated output. Tokens are compared without
// surrounding whitespace, so " the" and "the" count as the same word.
type ngramGuard struct {
	n      int
	window []string                       // last n-1 recorded tokens
	seen   map[string]map[string]struct{} // prefix -> tokens that followed it
}

func newNgramGuard(n int) *ngramGuard {
	return &ngramGuard{n: n, seen: make(map[string]map[string]struct{})}
}

func ngramKey(tok string) string {
	if k := strings.TrimSpace(tok); k != "" {
		return k
	}
	return tok
}

func (g *ngramGuard) prefix() string { return strings.Join(g.window, "\x00") }

// seed records tokens that are already part of the output, such as the prompt.
func (g *ngramGuard) seed(tokens []string) {
	if g.n <= 0 {
		return
	}
	for _, tok := range tokens {
		g.push(ngramKey(tok))
	}
}

// admit records tok and reports true, or reports false and leaves the state
// untouched when tok would repeat an n-gram.
func (g *ngramGuard) admit(tok string) bool {
	if g.n <= 0 {
		return true
	}
	k := ngramKey(tok)
	if len(g.window) == g.n-1 {
		if _, dup := g.seen[g.prefix()][k]; dup {
			return false
		}
	}
	g.push(k)
	return true
}

func (g *ngramGuard) push(k string) {
	if len(g.window) == g.n-1 {
		p := g.prefix()
		next := g.seen[p]
		if next == nil {
			next = make(map[string]struct{})
			g.seen[p] = next
		}
		next[k] = struct{}{}
	}
	g.window = append(g.window, k)
	if len(g.window) > g.n-1 {
		g.window = g.window[1:]
	}
}

// banned lists, sorted, the tokens that admit would currently reject.
func (g *ngramGuard) banned() []string {
	if g.n <= 0 || len(g.window) != g.n-1 {
		return nil
	}
	next := g.seen[g.prefix()]
	out := make([]string, 0, len(next))
	for k := range next {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
