package cachekey

import (
	"strings"
	"testing"

	"github.com/moronhi-ecddigital/graphql/internal/apq"
)

const (
	titleQuery = `query($id: String!) { node(id: $id) { title } }`
	idQuery    = `query($id: String!) { node(id: $id) { id } }`
)

func mustDecode(t *testing.T, s string) Variables {
	t.Helper()
	vars, err := DecodeVariables([]byte(s))
	if err != nil {
		t.Fatalf("DecodeVariables(%s): %v", s, err)
	}
	return vars
}

func mustDerive(t *testing.T, d Deriver, doc apq.QueryDocument, vars Variables, op string) Context {
	t.Helper()
	c, err := d.Derive(doc, vars, op)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	return c
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"insertion order", `{"a":1,"b":2}`, `{"b":2,"a":1}`, true},
		{"nested order", `{"x":{"b":[1,{"d":1,"c":2}],"a":null}}`, `{"x":{"a":null,"b":[1,{"c":2,"d":1}]}}`, true},
		{"whitespace", `{ "id" : "2" }`, `{"id":"2"}`, true},
		{"null and empty", `null`, `{}`, true},
		{"different value", `{"id":"1"}`, `{"id":"2"}`, false},
		{"string vs number", `{"id":"1"}`, `{"id":1}`, false},
		{"integer vs float literal", `{"id":1}`, `{"id":1.0}`, false},
		{"extra key", `{"id":"1"}`, `{"id":"1","x":null}`, false},
		{"array order matters", `{"ids":[1,2]}`, `{"ids":[2,1]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ca, err := Canonical(mustDecode(t, tt.a))
			if err != nil {
				t.Fatal(err)
			}
			cb, err := Canonical(mustDecode(t, tt.b))
			if err != nil {
				t.Fatal(err)
			}
			if (string(ca) == string(cb)) != tt.same {
				t.Errorf("Canonical(%s) = %s, Canonical(%s) = %s, same = %v", tt.a, ca, tt.b, cb, tt.same)
			}
		})
	}
}

func TestCanonical_NoHTMLEscape(t *testing.T) {
	got, err := Canonical(Variables{"q": "<a&b>"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"q":"<a&b>"}` {
		t.Errorf("got %s", got)
	}
}

func TestDecodeVariables_Invalid(t *testing.T) {
	for _, in := range []string{`[1,2]`, `"id"`, `{`} {
		if _, err := DecodeVariables([]byte(in)); err == nil {
			t.Errorf("DecodeVariables(%s): expected error", in)
		}
	}
}

func TestDerive_Granular(t *testing.T) {
	doc := apq.NewDocument(titleQuery)
	c := mustDerive(t, Deriver{}, doc, mustDecode(t, `{"id":"2"}`), "")

	if c.Len() != 2 {
		t.Fatalf("expected 2 tokens, got %v", c.Strings())
	}
	if !c.Has(PrefixQuery + doc.Hash) {
		t.Errorf("missing query token in %v", c.Strings())
	}

	var varsToken string
	for _, tok := range c.Strings() {
		if strings.HasPrefix(tok, PrefixVariables) {
			varsToken = tok
		}
	}
	if len(varsToken) != len(PrefixVariables)+64 {
		t.Errorf("unexpected variables token %q", varsToken)
	}
}

func TestDerive_Canonicalization(t *testing.T) {
	doc := apq.NewDocument(titleQuery)

	for _, d := range []Deriver{{}, {Mode: ModeComposite}} {
		a := mustDerive(t, d, doc, mustDecode(t, `{"a":1,"b":2}`), "")
		b := mustDerive(t, d, doc, mustDecode(t, `{"b":2,"a":1}`), "")
		if !a.Equal(b) {
			t.Errorf("mode %q: expected equal contexts, got %v and %v", d.Mode, a, b)
		}
		if a.Key() != b.Key() {
			t.Errorf("mode %q: expected equal keys", d.Mode)
		}
	}
}

func TestDerive_DiscriminatesVariables(t *testing.T) {
	doc := apq.NewDocument(idQuery)

	for _, d := range []Deriver{{}, {Mode: ModeComposite}} {
		one := mustDerive(t, d, doc, mustDecode(t, `{"id":"1"}`), "")
		two := mustDerive(t, d, doc, mustDecode(t, `{"id":"2"}`), "")
		none := mustDerive(t, d, doc, nil, "")

		if one.Equal(two) || one.Key() == two.Key() {
			t.Errorf("mode %q: id 1 and id 2 share a cache slot", d.Mode)
		}
		if none.Equal(one) {
			t.Errorf("mode %q: no variables and id 1 share a cache slot", d.Mode)
		}
	}
}

func TestDerive_DiscriminatesQueries(t *testing.T) {
	vars := Variables{"id": "2"}

	for _, d := range []Deriver{{}, {Mode: ModeComposite}} {
		title := mustDerive(t, d, apq.NewDocument(titleQuery), vars, "")
		id := mustDerive(t, d, apq.NewDocument(idQuery), vars, "")

		if title.Equal(id) || title.Key() == id.Key() {
			t.Errorf("mode %q: different queries share a cache slot", d.Mode)
		}
	}
}

func TestDerive_OperationName(t *testing.T) {
	doc := apq.NewDocument(`query A { a } query B { b }`)

	for _, d := range []Deriver{{}, {Mode: ModeComposite}} {
		a := mustDerive(t, d, doc, nil, "A")
		b := mustDerive(t, d, doc, nil, "B")
		if a.Equal(b) || a.Key() == b.Key() {
			t.Errorf("mode %q: operations A and B share a cache slot", d.Mode)
		}
	}

	granular := mustDerive(t, Deriver{}, doc, nil, "A")
	if !granular.Has(PrefixOperation + "A") {
		t.Errorf("missing operation token in %v", granular.Strings())
	}

	unnamed := mustDerive(t, Deriver{}, doc, nil, "")
	for _, tok := range unnamed.Strings() {
		if strings.HasPrefix(tok, PrefixOperation) {
			t.Errorf("unexpected operation token %q without an operation name", tok)
		}
	}
}

func TestDerive_Composite(t *testing.T) {
	c := mustDerive(t, Deriver{Mode: ModeComposite}, apq.NewDocument(titleQuery), Variables{"id": "2"}, "")
	if c.Len() != 1 {
		t.Fatalf("expected a single token, got %v", c.Strings())
	}
	if !strings.HasPrefix(c.Strings()[0], PrefixComposite) {
		t.Errorf("unexpected token %q", c.Strings()[0])
	}
}

func TestDerive_RequiresHash(t *testing.T) {
	if _, err := (Deriver{}).Derive(apq.QueryDocument{Body: titleQuery}, nil, ""); err == nil {
		t.Error("expected error for document without hash")
	}
}

func TestContext(t *testing.T) {
	a := NewContext("b", "a", "", "b")
	b := NewContext("a", "b")

	if got := a.Strings(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Strings() = %v", got)
	}
	if !a.Equal(b) || a.Key() != b.Key() {
		t.Error("expected equal contexts")
	}
	if a.String() != "a,b" {
		t.Errorf("String() = %q", a.String())
	}
	if a.Has("c") {
		t.Error("unexpected token c")
	}
	if len(a.Key()) != 64 {
		t.Errorf("expected 64 character key, got %d", len(a.Key()))
	}

	// Mutating the returned slice must not affect the context.
	s := a.Strings()
	s[0] = "z"
	if !a.Has("a") {
		t.Error("context was mutated through Strings()")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeGranular, false},
		{"granular", ModeGranular, false},
		{"Composite", ModeComposite, false},
		{"coarse", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
