package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/moronhi-ecddigital/graphql/internal/apq"
	"github.com/moronhi-ecddigital/graphql/internal/cachekey"
)

// Error codes reported by the adapter itself. Persisted query codes come
// from apq.Code.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeParseFailed         = "GRAPHQL_PARSE_FAILED"
	CodeOperationResolution = "OPERATION_RESOLUTION_FAILURE"
	CodeExecutionFailed     = "EXECUTION_FAILED"
	CodeInternal            = "INTERNAL_SERVER_ERROR"
)

// ExecRequest is what an Executor runs.
type ExecRequest struct {
	Query         string
	OperationName string
	Variables     cachekey.Variables
}

// Executor runs GraphQL documents. A returned error means the document could
// not be executed at all; field errors belong in Response.Errors.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (*Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (*Response, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (*Response, error) {
	return f(ctx, req)
}

// Response is a GraphQL response.
type Response struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     []ResponseError `json:"errors,omitempty"`
	Extensions map[string]any  `json:"extensions,omitempty"`
}

// ResponseError is a GraphQL error.
type ResponseError struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Location is a position in a query document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// NewErrorResponse returns a response carrying one error with code.
func NewErrorResponse(message, code string) *Response {
	e := ResponseError{Message: message}
	if code != "" {
		e.Extensions = map[string]any{"code": code}
	}
	return &Response{Errors: []ResponseError{e}}
}

// statusFor maps a request failure to its HTTP status and error code.
// Persisted query misses keep 200 so clients read the code and resend the
// full query.
func statusFor(err error) (int, string) {
	if code := apq.Code(err); code != "" {
		switch {
		case errors.Is(err, apq.ErrPersistedQueryNotFound),
			errors.Is(err, apq.ErrPersistedQueryNotSupported):
			return http.StatusOK, code
		case errors.Is(err, apq.ErrHashCollision):
			return http.StatusInternalServerError, code
		default:
			return http.StatusBadRequest, code
		}
	}

	switch {
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed, CodeBadRequest
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, ErrParseFailed):
		return http.StatusBadRequest, CodeParseFailed
	case errors.Is(err, ErrOperationNotFound):
		return http.StatusBadRequest, CodeOperationResolution
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// messageFor returns the client-facing message for err. Unclassified errors
// are not echoed.
func messageFor(err error, code string) string {
	switch code {
	case CodeInternal:
		return "internal server error"
	case apq.CodePersistedQueryNotFound:
		return apq.ErrPersistedQueryNotFound.Error()
	case apq.CodePersistedQueryNotSupported:
		return apq.ErrPersistedQueryNotSupported.Error()
	case apq.CodePersistedQueryHashMismatch:
		return apq.ErrPersistedQueryHashMismatch.Error()
	default:
		return err.Error()
	}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeResponse(w http.ResponseWriter, status int, resp *Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"errors":[{"message":"internal server error","extensions":{"code":"INTERNAL_SERVER_ERROR"}}]}`)
	}
	writeJSON(w, status, body)
}
