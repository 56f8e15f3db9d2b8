// Package cachekey derives the cache-context dimensions a GraphQL response
// varies on: the resolved query hash and the request variables.
package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/moronhi-ecddigital/graphql/internal/apq"
)

// Token prefixes.
const (
	PrefixQuery     = "query:"
	PrefixVariables = "vars:"
	PrefixOperation = "op:"
	PrefixComposite = "gql:"
)

// Mode selects how many tokens a Context carries.
type Mode string

const (
	// ModeGranular emits one token per dimension.
	ModeGranular Mode = "granular"
	// ModeComposite folds every dimension into a single token, for caches
	// that only understand one coarse key.
	ModeComposite Mode = "composite"
)

// ParseMode parses a configured mode name. Empty selects ModeGranular.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeGranular:
		return ModeGranular, nil
	case ModeComposite:
		return ModeComposite, nil
	default:
		return "", fmt.Errorf("unknown cache key mode %q", s)
	}
}

// Variables are the runtime variables of one request.
type Variables map[string]any

// DecodeVariables decodes a JSON object into Variables. Numbers are kept as
// json.Number so 1, 1.0 and "1" stay distinct. Empty input and JSON null
// decode to nil.
func DecodeVariables(data []byte) (Variables, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var vars Variables
	if err := dec.Decode(&vars); err != nil {
		return nil, fmt.Errorf("decoding variables: %w", err)
	}
	return vars, nil
}

// Canonical serializes vars as JSON with object keys sorted at every depth.
// Mappings with the same pairs in any insertion order produce the same bytes;
// nil and empty mappings both produce {}.
func Canonical(vars Variables) ([]byte, error) {
	if len(vars) == 0 {
		return []byte("{}"), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order, nested maps included.
	if err := enc.Encode(map[string]any(vars)); err != nil {
		return nil, fmt.Errorf("canonicalizing variables: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Deriver computes cache contexts. The zero value is a granular deriver.
type Deriver struct {
	Mode Mode
}

// Derive returns the context for executing doc with vars. It conservatively
// varies on every supplied variable. A non-empty operationName is always a
// dimension: one document may hold several operations with different results.
func (d Deriver) Derive(doc apq.QueryDocument, vars Variables, operationName string) (Context, error) {
	if doc.Hash == "" {
		return Context{}, fmt.Errorf("deriving cache key: document has no hash")
	}

	canonical, err := Canonical(vars)
	if err != nil {
		return Context{}, err
	}
	if d.Mode == ModeComposite {
		h := sha256.New()
		h.Write([]byte(doc.Hash))
		h.Write([]byte{0})
		h.Write([]byte(operationName))
		h.Write([]byte{0})
		h.Write(canonical)
		return NewContext(PrefixComposite + hex.EncodeToString(h.Sum(nil))), nil
	}

	varsSum := sha256.Sum256(canonical)
	tokens := []string{
		PrefixQuery + doc.Hash,
		PrefixVariables + hex.EncodeToString(varsSum[:]),
	}
	if operationName != "" {
		tokens = append(tokens, PrefixOperation+operationName)
	}
	return NewContext(tokens...), nil
}
