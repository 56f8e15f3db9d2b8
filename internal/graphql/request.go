// Package graphql is the HTTP face of the persisted query endpoint. It turns
// GET and POST requests into persisted query lookups, derives the response
// cache key and hands execution to an Executor.
package graphql

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/moronhi-ecddigital/graphql/internal/apq"
	"github.com/moronhi-ecddigital/graphql/internal/cachekey"
)

// Errors returned by request parsing.
var (
	ErrBadRequest       = errors.New("bad request")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// Request is a GraphQL-over-HTTP request.
type Request struct {
	Query         string             `json:"query,omitempty"`
	OperationName string             `json:"operationName,omitempty"`
	Variables     cachekey.Variables `json:"variables,omitempty"`
	Extensions    Extensions         `json:"extensions,omitempty"`
}

// Extensions holds the request extensions the endpoint understands.
type Extensions struct {
	PersistedQuery *PersistedQueryExtension `json:"persistedQuery,omitempty"`
}

// PersistedQueryExtension is extensions.persistedQuery.
type PersistedQueryExtension struct {
	Version    int    `json:"version"`
	SHA256Hash string `json:"sha256Hash"`
}

// rawRequest accepts variables and extensions either as JSON values or as
// JSON-encoded strings.
type rawRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
	Extensions    json.RawMessage `json:"extensions"`
}

// UnmarshalJSON decodes a request body.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	vars, err := decodeVariables(raw.Variables)
	if err != nil {
		return err
	}
	ext, err := decodeExtensions(raw.Extensions)
	if err != nil {
		return err
	}

	*r = Request{
		Query:         raw.Query,
		OperationName: raw.OperationName,
		Variables:     vars,
		Extensions:    ext,
	}
	return nil
}

// Lookup returns the persisted query view of the request.
func (r *Request) Lookup() apq.Lookup {
	l := apq.Lookup{Query: r.Query}
	if pq := r.Extensions.PersistedQuery; pq != nil {
		l.Hash = pq.SHA256Hash
		l.Version = pq.Version
	}
	return l
}

// unquote returns the contents of data when it is a JSON string.
func unquote(data json.RawMessage) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '"' {
		return data, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func decodeVariables(data json.RawMessage) (cachekey.Variables, error) {
	data, err := unquote(data)
	if err != nil {
		return nil, fmt.Errorf("invalid variables: %w", err)
	}
	vars, err := cachekey.DecodeVariables(data)
	if err != nil {
		return nil, fmt.Errorf("invalid variables: %w", err)
	}
	return vars, nil
}

func decodeExtensions(data json.RawMessage) (Extensions, error) {
	data, err := unquote(data)
	if err != nil {
		return Extensions{}, fmt.Errorf("invalid extensions: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Extensions{}, nil
	}

	var ext Extensions
	if err := json.Unmarshal(data, &ext); err != nil {
		return Extensions{}, fmt.Errorf("invalid extensions: %w", err)
	}
	return ext, nil
}

// ParseHTTPRequest reads a GraphQL request from r. Bodies larger than
// maxBody bytes are rejected.
func ParseHTTPRequest(r *http.Request, maxBody int64) (*Request, error) {
	switch r.Method {
	case http.MethodGet:
		return parseQueryParams(r.URL.Query())
	case http.MethodPost:
		return parseBody(r, maxBody)
	default:
		return nil, fmt.Errorf("%w: %s", ErrMethodNotAllowed, r.Method)
	}
}

func parseBody(r *http.Request, maxBody int64) (*Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrBadRequest, err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrBadRequest, maxBody)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/graphql":
		return &Request{Query: string(body)}, nil

	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid form body: %v", ErrBadRequest, err)
		}
		return parseQueryParams(values)

	default:
		// application/json, application/graphql-response+json and clients
		// that send no content type at all.
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON: %v", ErrBadRequest, err)
		}
		return &req, nil
	}
}

// parseQueryParams reads the GET form. The persisted query extension may
// come as a JSON "extensions" parameter or flattened into
// extensions[persistedQuery][sha256Hash] and
// extensions[persistedQuery][version].
func parseQueryParams(q url.Values) (*Request, error) {
	req := &Request{
		Query:         q.Get("query"),
		OperationName: q.Get("operationName"),
	}

	if v := q.Get("variables"); v != "" {
		vars, err := cachekey.DecodeVariables([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid variables JSON: %v", ErrBadRequest, err)
		}
		req.Variables = vars
	}

	if v := q.Get("extensions"); v != "" {
		ext, err := decodeExtensions(json.RawMessage(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		req.Extensions = ext
	}

	if hash := q.Get("extensions[persistedQuery][sha256Hash]"); hash != "" {
		pq := &PersistedQueryExtension{SHA256Hash: hash, Version: 1}
		if v := q.Get("extensions[persistedQuery][version]"); v != "" {
			version, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid persisted query version %q", ErrBadRequest, v)
			}
			pq.Version = version
		}
		req.Extensions.PersistedQuery = pq
	}

	return req, nil
}
