package apq

import "errors"

// Errors returned while resolving persisted queries.
var (
	ErrMissingQuery               = errors.New("missing query")
	ErrPersistedQueryNotFound     = errors.New("PersistedQueryNotFound")
	ErrPersistedQueryHashMismatch = errors.New("provided sha does not match query")
	ErrHashCollision              = errors.New("persisted query hash collision")
	ErrPersistedQueryNotSupported = errors.New("PersistedQueryNotSupported")
	ErrUnsupportedVersion         = errors.New("unsupported persisted query version")
)

// Error codes reported to clients in GraphQL error extensions.
const (
	CodeMissingQuery               = "MISSING_QUERY"
	CodePersistedQueryNotFound     = "PERSISTED_QUERY_NOT_FOUND"
	CodePersistedQueryHashMismatch = "PERSISTED_QUERY_HASH_MISMATCH"
	CodeHashCollision              = "HASH_COLLISION"
	CodePersistedQueryNotSupported = "PERSISTED_QUERY_NOT_SUPPORTED"
	CodeUnsupportedVersion         = "UNSUPPORTED_PERSISTED_QUERY_VERSION"
)

// Code returns the client-facing code for err, or "" when err is not one of
// the package errors.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrMissingQuery):
		return CodeMissingQuery
	case errors.Is(err, ErrPersistedQueryNotFound):
		return CodePersistedQueryNotFound
	case errors.Is(err, ErrPersistedQueryHashMismatch):
		return CodePersistedQueryHashMismatch
	case errors.Is(err, ErrHashCollision):
		return CodeHashCollision
	case errors.Is(err, ErrPersistedQueryNotSupported):
		return CodePersistedQueryNotSupported
	case errors.Is(err, ErrUnsupportedVersion):
		return CodeUnsupportedVersion
	default:
		return ""
	}
}
