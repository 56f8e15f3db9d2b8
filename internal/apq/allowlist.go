package apq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// ManifestFormat identifies an Apollo persisted query manifest.
const ManifestFormat = "apollo-persisted-query-manifest"

// Manifest is a persisted query manifest file.
type Manifest struct {
	Format     string              `json:"format"`
	Version    int                 `json:"version"`
	Operations []ManifestOperation `json:"operations"`
}

// ManifestOperation is one allowed operation.
type ManifestOperation struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	Body string `json:"body"`
}

// NewManifest builds a manifest from query bodies, ordered by hash.
func NewManifest(ops ...ManifestOperation) Manifest {
	for i := range ops {
		if ops[i].ID == "" {
			ops[i].ID = Digest(ops[i].Body)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return Manifest{Format: ManifestFormat, Version: 1, Operations: ops}
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Format != "" && m.Format != ManifestFormat {
		return Manifest{}, fmt.Errorf("unknown manifest format %q", m.Format)
	}
	if m.Version > 1 {
		return Manifest{}, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return m, nil
}

// AllowList is a closed set of persisted queries fixed at deploy time.
// Hashes outside the set are never registered.
type AllowList struct {
	digest  DigestFunc
	queries map[string]string
	mu      sync.RWMutex
}

// NewAllowList creates an empty allow-list.
func NewAllowList() *AllowList {
	return &AllowList{
		digest:  Digest,
		queries: make(map[string]string),
	}
}

// Name returns "allowlist".
func (a *AllowList) Name() string { return "allowlist" }

// Replace swaps the allowed set for the operations in m. Every operation id
// must equal the digest of its body.
func (a *AllowList) Replace(m Manifest) error {
	queries := make(map[string]string, len(m.Operations))
	for i, op := range m.Operations {
		hash := a.digest(op.Body)
		if op.ID != "" && op.ID != hash {
			return fmt.Errorf("operation[%d] %q: %w", i, op.Name, ErrPersistedQueryHashMismatch)
		}
		queries[hash] = op.Body
	}

	a.mu.Lock()
	a.queries = queries
	a.mu.Unlock()
	return nil
}

// Len returns the number of allowed queries.
func (a *AllowList) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.queries)
}

// ResolveOrRegister resolves l against the allowed set.
func (a *AllowList) ResolveOrRegister(_ context.Context, l Lookup) (QueryDocument, error) {
	l = l.normalize()

	a.mu.RLock()
	body, ok := a.queries[l.Hash]
	a.mu.RUnlock()

	if !ok {
		return QueryDocument{}, ErrPersistedQueryNotFound
	}
	if l.Query != "" && l.Query != body {
		return QueryDocument{}, ErrPersistedQueryHashMismatch
	}
	return QueryDocument{Hash: l.Hash, Body: body, Persisted: true}, nil
}
