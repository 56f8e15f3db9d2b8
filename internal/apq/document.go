// Package apq implements persisted GraphQL queries: a registry that maps a
// content hash to a query document, the automatic (APQ) and allow-list
// resolution strategies built on it, and the ordered strategy chain an
// endpoint consults for every request.
package apq

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DigestFunc computes the fixed-length content hash of a query body.
type DigestFunc func(body string) string

// Digest returns the lowercase hex SHA-256 of body.
func Digest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// QueryDocument is a query body together with its content hash.
type QueryDocument struct {
	Hash string
	Body string
	// Persisted is false for documents built on the fly for a request that did
	// not use the persisted query extension.
	Persisted bool
}

// NewDocument returns an ephemeral document for body.
func NewDocument(body string) QueryDocument {
	return QueryDocument{Hash: Digest(body), Body: body}
}

// Entry is a registered query as held by a Store.
type Entry struct {
	Hash         string    `json:"hash"`
	Body         string    `json:"body"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Document returns the persisted document for the entry.
func (e Entry) Document() QueryDocument {
	return QueryDocument{Hash: e.Hash, Body: e.Body, Persisted: true}
}

// Lookup is the persisted-query view of an inbound request.
type Lookup struct {
	// Query is the raw query body, empty when the client only sent a hash.
	Query string
	// Hash is extensions.persistedQuery.sha256Hash, empty when absent.
	Hash string
	// Version is extensions.persistedQuery.version.
	Version int
}

// normalize trims the hash and lowercases it so hex case never splits entries.
func (l Lookup) normalize() Lookup {
	l.Hash = strings.ToLower(strings.TrimSpace(l.Hash))
	return l
}

func (l Lookup) validate() error {
	if l.Hash != "" && l.Version != 0 && l.Version != 1 {
		return ErrUnsupportedVersion
	}
	return nil
}
