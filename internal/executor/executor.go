// Package executor runs GraphQL documents against the node schema served by
// apqgate.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	gqlgo "github.com/graph-gophers/graphql-go"

	"github.com/moronhi-ecddigital/graphql/internal/graphql"
)

// Schema is the schema the executor serves.
const Schema = `
schema {
	query: Query
}

type Query {
	node(id: String): Node
}

type Node {
	id: Int!
	title: String!
}
`

// Executor executes documents with graph-gophers/graphql-go.
type Executor struct {
	schema *gqlgo.Schema
	logger *slog.Logger
}

// New creates an executor resolving nodes from repo.
func New(repo NodeRepository, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := gqlgo.ParseSchema(Schema, &queryResolver{repo: repo})
	if err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return &Executor{schema: schema, logger: logger}, nil
}

// Execute runs req. Validation and resolver failures are reported as
// response errors, not as a Go error.
func (e *Executor) Execute(ctx context.Context, req graphql.ExecRequest) (*graphql.Response, error) {
	vars, err := plainVariables(req.Variables)
	if err != nil {
		return nil, err
	}

	result := e.schema.Exec(ctx, req.Query, req.OperationName, vars)

	resp := &graphql.Response{
		Data:       result.Data,
		Extensions: result.Extensions,
	}
	for _, qe := range result.Errors {
		re := graphql.ResponseError{
			Message:    qe.Message,
			Path:       qe.Path,
			Extensions: qe.Extensions,
		}
		for _, loc := range qe.Locations {
			re.Locations = append(re.Locations, graphql.Location{Line: loc.Line, Column: loc.Column})
		}
		resp.Errors = append(resp.Errors, re)
	}
	if len(resp.Errors) > 0 {
		e.logger.DebugContext(ctx, "graphql execution returned errors", "errors", len(resp.Errors))
	}
	return resp, nil
}

// plainVariables turns json.Number values back into the float64 and string
// forms graphql-go coerces from.
func plainVariables(vars map[string]any) (map[string]any, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encoding variables: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding variables: %w", err)
	}
	return out, nil
}
