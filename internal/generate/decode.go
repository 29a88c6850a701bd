package generate

import "strings"

// decoder removes model control tokens from generated text.
type decoder struct {
	control  map[string]struct{}
	replacer *strings.Replacer
}

func newDecoder(controlTokens []string) *decoder {
	d := &decoder{control: make(map[string]struct{}, len(controlTokens))}
	var pairs []string
	for _, t := range controlTokens {
		if t == "" {
			continue
		}
		d.control[t] = struct{}{}
		pairs = append(pairs, t, "")
	}
	if len(pairs) > 0 {
		d.replacer = strings.NewReplacer(pairs...)
	}
	return d
}

// isControl reports whether a whole token is a control token.
func (d *decoder) isControl(tok string) bool {
	_, ok := d.control[strings.TrimSpace(tok)]
	return ok
}

// decode joins tokens and strips control tokens embedded in them.
func (d *decoder) decode(tokens []string) string {
	s := strings.Join(tokens, "")
	if d.replacer == nil {
		return s
	}
	return d.replacer.Replace(s)
}
