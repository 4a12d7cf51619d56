package capability

import (
	"errors"
)

// Set is an immutable collection of granted tokens
type Set struct {
	tokens []Token
}

// NewSet copies tokens into a new Set
func NewSet(tokens ...Token) Set {
	return Set{tokens: append([]Token(nil), tokens...)}
}

// ParseSet parses every declared token. All parse failures are joined.
func ParseSet(declared []string) (Set, error) {
	tokens := make([]Token, 0, len(declared))
	var errs []error
	for _, s := range declared {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tokens = append(tokens, t)
	}
	if len(errs) > 0 {
		return Set{}, errors.Join(errs...)
	}
	return Set{tokens: tokens}, nil
}

// Check reports whether any granted token covers required
func (s Set) Check(required Token) bool {
	for _, t := range s.tokens {
		if t.Covers(required) {
			return true
		}
	}
	return false
}

// Len returns the number of granted tokens
func (s Set) Len() int { return len(s.tokens) }

// Tokens returns a copy of the granted tokens
func (s Set) Tokens() []Token {
	return append([]Token(nil), s.tokens...)
}

// Strings renders the granted tokens
func (s Set) Strings() []string {
	out := make([]string, len(s.tokens))
	for i, t := range s.tokens {
		out[i] = t.String()
	}
	return out
}
