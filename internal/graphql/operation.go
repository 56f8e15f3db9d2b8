package graphql

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Errors returned by operation analysis.
var (
	ErrParseFailed       = errors.New("graphql parse failed")
	ErrOperationNotFound = errors.New("operation not found")
)

// OperationKind is the root type an operation runs against.
type OperationKind string

const (
	OperationQuery        OperationKind = "query"
	OperationMutation     OperationKind = "mutation"
	OperationSubscription OperationKind = "subscription"
)

// Operation is the operation a request selects from its document.
type Operation struct {
	Name string
	Kind OperationKind
}

// Cacheable reports whether responses of the operation may be cached.
func (o Operation) Cacheable() bool {
	return o.Kind == OperationQuery
}

// AnalyzeOperation parses query and picks the operation named
// operationName, or the only operation when the name is empty.
func AnalyzeOperation(query, operationName string) (Operation, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	if len(doc.Operations) == 0 {
		return Operation{}, fmt.Errorf("%w: document has no operations", ErrParseFailed)
	}

	op := doc.Operations.ForName(operationName)
	if op == nil {
		if operationName == "" {
			return Operation{}, fmt.Errorf("%w: operationName is required for a document with %d operations",
				ErrOperationNotFound, len(doc.Operations))
		}
		return Operation{}, fmt.Errorf("%w: unknown operation named %q", ErrOperationNotFound, operationName)
	}

	kind := OperationKind(op.Operation)
	if kind == "" {
		kind = OperationQuery
	}
	return Operation{Name: op.Name, Kind: kind}, nil
}
