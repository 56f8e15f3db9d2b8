package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// Context is an immutable, sorted set of cache-context tokens.
type Context struct {
	tokens []string
}

// NewContext builds a context from tokens, dropping empty and duplicate ones.
func NewContext(tokens ...string) Context {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return Context{tokens: slices.Compact(out)}
}

// Strings returns a copy of the tokens in sorted order.
func (c Context) Strings() []string {
	return slices.Clone(c.tokens)
}

// Len returns the number of tokens.
func (c Context) Len() int {
	return len(c.tokens)
}

// Has reports whether token is part of the context.
func (c Context) Has(token string) bool {
	_, found := slices.BinarySearch(c.tokens, token)
	return found
}

// Equal reports whether both contexts hold the same tokens.
func (c Context) Equal(other Context) bool {
	return slices.Equal(c.tokens, other.tokens)
}

// Key returns the fixed-length storage key for the context.
func (c Context) Key() string {
	sum := sha256.Sum256([]byte(strings.Join(c.tokens, "\n")))
	return hex.EncodeToString(sum[:])
}

func (c Context) String() string {
	return strings.Join(c.tokens, ",")
}
