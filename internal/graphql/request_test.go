package graphql

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

const testHash = "b1d4a7e59cbb5a40ec5a0b1d4c4a6fbd15a8e1b07b4e8d0f7e4f3d6c8a9b0c1d"

func TestRequest_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantVars string
		wantHash string
		wantErr  bool
	}{
		{
			name:     "variables object",
			body:     `{"query":"{ a }","variables":{"id":"2"}}`,
			wantVars: `{"id":"2"}`,
		},
		{
			name:     "variables as JSON string",
			body:     `{"query":"{ a }","variables":"{\"id\": \"2\"}"}`,
			wantVars: `{"id":"2"}`,
		},
		{
			name:     "empty variables string",
			body:     `{"query":"{ a }","variables":""}`,
			wantVars: `null`,
		},
		{
			name:     "null variables",
			body:     `{"query":"{ a }","variables":null}`,
			wantVars: `null`,
		},
		{
			name:     "extensions object",
			body:     `{"extensions":{"persistedQuery":{"version":1,"sha256Hash":"` + testHash + `"}}}`,
			wantVars: `null`,
			wantHash: testHash,
		},
		{
			name:     "extensions as JSON string",
			body:     `{"extensions":"{\"persistedQuery\":{\"version\":1,\"sha256Hash\":\"` + testHash + `\"}}"}`,
			wantVars: `null`,
			wantHash: testHash,
		},
		{
			name:    "variables array",
			body:    `{"variables":[1]}`,
			wantErr: true,
		},
		{
			name:    "broken variables string",
			body:    `{"variables":"{"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			err := json.Unmarshal([]byte(tt.body), &req)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			vars, _ := json.Marshal(req.Variables)
			if string(vars) != tt.wantVars {
				t.Errorf("variables = %s, want %s", vars, tt.wantVars)
			}
			if got := req.Lookup().Hash; got != tt.wantHash {
				t.Errorf("hash = %q, want %q", got, tt.wantHash)
			}
		})
	}
}

func TestParseHTTPRequest_POST(t *testing.T) {
	body := `{"query":"query($id: String!) { node(id: $id) { id } }","variables":"{\"id\": \"2\"}","extensions":{"persistedQuery":{"version":1,"sha256Hash":"` + testHash + `"}}}`
	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	req, err := ParseHTTPRequest(r, 1<<20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l := req.Lookup()
	if l.Hash != testHash || l.Version != 1 || l.Query == "" {
		t.Errorf("unexpected lookup %+v", l)
	}
	if req.Variables["id"] != "2" {
		t.Errorf("variables = %v", req.Variables)
	}
}

func TestParseHTTPRequest_POSTGraphQL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{ a }"))
	r.Header.Set("Content-Type", "application/graphql; charset=utf-8")

	req, err := ParseHTTPRequest(r, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if req.Query != "{ a }" {
		t.Errorf("query = %q", req.Query)
	}
}

func TestParseHTTPRequest_POSTForm(t *testing.T) {
	form := url.Values{}
	form.Set("query", "{ a }")
	form.Set("variables", `{"x":1}`)
	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	req, err := ParseHTTPRequest(r, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if req.Query != "{ a }" || req.Variables["x"] != json.Number("1") {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestParseHTTPRequest_BodyTooLarge(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ aaaaaaaaaaaaaaaa }"}`))
	_, err := ParseHTTPRequest(r, 8)
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got %v", err)
	}
}

func TestParseHTTPRequest_GET(t *testing.T) {
	tests := []struct {
		name        string
		params      url.Values
		wantQuery   string
		wantHash    string
		wantVersion int
		wantID      any
		wantErr     bool
	}{
		{
			name: "flattened persisted query extension",
			params: url.Values{
				"extensions[persistedQuery][sha256Hash]": {testHash},
				"extensions[persistedQuery][version]":    {"1"},
				"variables":                              {`{"id": "1"}`},
			},
			wantHash:    testHash,
			wantVersion: 1,
			wantID:      "1",
		},
		{
			name: "flattened hash without version",
			params: url.Values{
				"extensions[persistedQuery][sha256Hash]": {testHash},
			},
			wantHash:    testHash,
			wantVersion: 1,
		},
		{
			name: "JSON extensions",
			params: url.Values{
				"extensions": {`{"persistedQuery":{"version":1,"sha256Hash":"` + testHash + `"}}`},
			},
			wantHash:    testHash,
			wantVersion: 1,
		},
		{
			name: "plain query",
			params: url.Values{
				"query":     {"{ a }"},
				"variables": {`{"id": 2}`},
			},
			wantQuery: "{ a }",
			wantID:    json.Number("2"),
		},
		{
			name:    "bad variables",
			params:  url.Values{"variables": {"{"}},
			wantErr: true,
		},
		{
			name: "bad version",
			params: url.Values{
				"extensions[persistedQuery][sha256Hash]": {testHash},
				"extensions[persistedQuery][version]":    {"one"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/graphql?"+tt.params.Encode(), nil)
			req, err := ParseHTTPRequest(r, 1<<20)
			if tt.wantErr {
				if !errors.Is(err, ErrBadRequest) {
					t.Fatalf("expected ErrBadRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			l := req.Lookup()
			if l.Query != tt.wantQuery || l.Hash != tt.wantHash || l.Version != tt.wantVersion {
				t.Errorf("lookup = %+v", l)
			}
			if tt.wantID != nil && req.Variables["id"] != tt.wantID {
				t.Errorf("variables = %v", req.Variables)
			}
		})
	}
}

func TestParseHTTPRequest_MethodNotAllowed(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/graphql", nil)
	if _, err := ParseHTTPRequest(r, 1<<20); !errors.Is(err, ErrMethodNotAllowed) {
		t.Errorf("expected ErrMethodNotAllowed, got %v", err)
	}
}

func TestAnalyzeOperation(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		opName   string
		wantKind OperationKind
		wantName string
		wantErr  error
	}{
		{name: "shorthand", query: "{ a }", wantKind: OperationQuery},
		{name: "named query", query: "query Q { a }", wantKind: OperationQuery, wantName: "Q"},
		{name: "mutation", query: "mutation M { a }", wantKind: OperationMutation, wantName: "M"},
		{name: "subscription", query: "subscription { a }", wantKind: OperationSubscription},
		{name: "selected", query: "query A { a } mutation B { b }", opName: "B", wantKind: OperationMutation, wantName: "B"},
		{name: "ambiguous", query: "query A { a } query B { b }", wantErr: ErrOperationNotFound},
		{name: "unknown name", query: "query A { a }", opName: "C", wantErr: ErrOperationNotFound},
		{name: "syntax error", query: "query {", wantErr: ErrParseFailed},
		{name: "fragment only", query: "fragment F on T { a }", wantErr: ErrParseFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := AnalyzeOperation(tt.query, tt.opName)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if op.Kind != tt.wantKind || op.Name != tt.wantName {
				t.Errorf("op = %+v", op)
			}
			if op.Cacheable() != (tt.wantKind == OperationQuery) {
				t.Errorf("Cacheable() = %v for %s", op.Cacheable(), op.Kind)
			}
		})
	}
}
