package graph

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/solatis/pointsflow/internal/types"
)

func TestParse_Valid(t *testing.T) {
	raw := `{
		"start": "t",
		"nodes": [
			{"id": "t", "type": "trigger"},
			{"id": "A", "type": "award", "points": 50},
			{"id": "e", "type": "end"}
		],
		"edges": [
			{"from": " T ", "to": "a"},
			{"from": "a", "to": "e"}
		]
	}`

	g, ok := Parse([]byte(raw))
	if !ok {
		t.Fatal("Parse() ok = false, want true")
	}
	if g.Start != "t" {
		t.Errorf("Start = %q, want t", g.Start)
	}
	if len(g.Nodes()) != 3 {
		t.Errorf("len(Nodes()) = %d, want 3", len(g.Nodes()))
	}
	n, ok := g.Node("a")
	if !ok {
		t.Fatal("Node(a) not found, want case-insensitive match")
	}
	if pts, ok := n.Props.Number("POINTS"); !ok || pts != 50 {
		t.Errorf("Props.Number(POINTS) = %v, %v, want 50, true", pts, ok)
	}
	if next, ok := g.Next("t", BranchNone); !ok || next != "a" {
		t.Errorf("Next(t) = %q, %v, want a, true", next, ok)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"whitespace", `   `},
		{"invalid json", `{"start":`},
		{"array root", `[]`},
		{"string root", `"graph"`},
		{"missing start", `{"nodes":[{"id":"t","type":"trigger"}]}`},
		{"blank start", `{"start":"  ","nodes":[{"id":"t","type":"trigger"}]}`},
		{"non-string start", `{"start":1,"nodes":[{"id":"t","type":"trigger"}]}`},
		{"missing nodes", `{"start":"t"}`},
		{"nodes not array", `{"start":"t","nodes":{}}`},
		{"node not object", `{"start":"t","nodes":["t"]}`},
		{"node missing id", `{"start":"t","nodes":[{"type":"trigger"}]}`},
		{"node missing type", `{"start":"t","nodes":[{"id":"t"}]}`},
		{"edges not array", `{"start":"t","nodes":[{"id":"t","type":"trigger"}],"edges":{}}`},
		{"trailing data", `{"start":"t","nodes":[{"id":"t","type":"trigger"}]} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if g, ok := Parse([]byte(tt.raw)); ok || g != nil {
				t.Errorf("Parse() = %v, %v, want nil, false", g, ok)
			}
		})
	}
}

func TestParse_Limits(t *testing.T) {
	if _, ok := Parse([]byte(buildGraph(types.MaxGraphNodes, 0))); !ok {
		t.Errorf("Parse() with %d nodes rejected, want accepted", types.MaxGraphNodes)
	}
	if _, ok := Parse([]byte(buildGraph(types.MaxGraphNodes+1, 0))); ok {
		t.Errorf("Parse() with %d nodes accepted, want rejected", types.MaxGraphNodes+1)
	}
	if _, ok := Parse([]byte(buildGraph(2, types.MaxGraphEdges))); !ok {
		t.Errorf("Parse() with %d edges rejected, want accepted", types.MaxGraphEdges)
	}
	if _, ok := Parse([]byte(buildGraph(2, types.MaxGraphEdges+1))); ok {
		t.Errorf("Parse() with %d edges accepted, want rejected", types.MaxGraphEdges+1)
	}
}

func TestParse_DuplicateIDLastWriteWins(t *testing.T) {
	raw := `{"start":"t","nodes":[
		{"id":"t","type":"trigger"},
		{"id":"x","type":"award","points":1},
		{"id":"X","type":"award","points":2}
	]}`
	g, ok := Parse([]byte(raw))
	if !ok {
		t.Fatal("Parse() ok = false")
	}
	if len(g.Nodes()) != 2 {
		t.Fatalf("len(Nodes()) = %d, want 2", len(g.Nodes()))
	}
	n, _ := g.Node("x")
	if pts, _ := n.Props.Number("points"); pts != 2 {
		t.Errorf("points = %v, want 2 (last write wins)", pts)
	}
}

func TestParse_SkipsBadEdges(t *testing.T) {
	raw := `{"start":"t","nodes":[{"id":"t","type":"trigger"},{"id":"e","type":"end"}],
		"edges":[1,"x",{"from":"","to":"e"},{"from":"t","to":" "},{"from":"t","to":"e"}]}`
	g, ok := Parse([]byte(raw))
	if !ok {
		t.Fatal("Parse() ok = false")
	}
	if g.EdgeCount() != 1 {
		t.Errorf("EdgeCount() = %d, want 1", g.EdgeCount())
	}
}

func TestNext_BranchResolution(t *testing.T) {
	tests := []struct {
		name   string
		edges  string
		branch Branch
		want   string
		wantOK bool
	}{
		{"true picks true edge", `{"from":"f","to":"B","when":false},{"from":"f","to":"A","when":true}`, BranchTrue, "A", true},
		{"false picks false edge", `{"from":"f","to":"A","when":true},{"from":"f","to":"B","when":false}`, BranchFalse, "B", true},
		{"default edge for true", `{"from":"f","to":"D"}`, BranchTrue, "D", true},
		{"default edge for false", `{"from":"f","to":"D"}`, BranchFalse, "D", true},
		{"default edge for none", `{"from":"f","to":"D"}`, BranchNone, "D", true},
		{"false falls back to default", `{"from":"f","to":"A","when":true},{"from":"f","to":"D"}`, BranchFalse, "D", true},
		{"false falls back to first edge", `{"from":"f","to":"A","when":true}`, BranchFalse, "A", true},
		{"none prefers default over first", `{"from":"f","to":"A","when":true},{"from":"f","to":"D"}`, BranchNone, "D", true},
		{"none falls back to first", `{"from":"f","to":"B","when":false},{"from":"f","to":"A","when":true}`, BranchNone, "B", true},
		{"non-bool when is absent", `{"from":"f","to":"A","when":"yes"}`, BranchFalse, "A", true},
		{"no edges", ``, BranchTrue, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := fmt.Sprintf(`{"start":"f","nodes":[{"id":"f","type":"filter"},{"id":"A","type":"end"},{"id":"B","type":"end"},{"id":"D","type":"end"}],"edges":[%s]}`, tt.edges)
			g, ok := Parse([]byte(raw))
			if !ok {
				t.Fatal("Parse() ok = false")
			}
			got, ok := g.Next("F", tt.branch)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Next() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestProperties_NestedMerge(t *testing.T) {
	obj, ok := DecodeObject([]byte(`{"id":"a","type":"award","points":1,"Properties":{"points":5,"label":"x"}}`))
	if !ok {
		t.Fatal("DecodeObject() ok = false")
	}
	props := PropertiesOf(obj)
	if pts, _ := props.Number("points"); pts != 5 {
		t.Errorf("points = %v, want 5 (nested overrides flat)", pts)
	}
	if _, ok := props.Get("id"); ok {
		t.Error("id present in properties, want excluded")
	}
	if s := props.StringOr("LABEL", "def"); s != "x" {
		t.Errorf("StringOr(LABEL) = %q, want x", s)
	}
}

func TestProperties_NumberAcceptsDecimalStrings(t *testing.T) {
	obj, ok := DecodeObject([]byte(`{"id":"c","type":"cooldown","seconds":"90","hours":" 1.5 ","minutes":"soon","days":"NaN","weeks":2}`))
	if !ok {
		t.Fatal("DecodeObject() ok = false")
	}
	props := PropertiesOf(obj)
	tests := []struct {
		key    string
		want   float64
		wantOK bool
	}{
		{"seconds", 90, true},
		{"hours", 1.5, true},
		{"weeks", 2, true},
		{"minutes", 0, false},
		{"days", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := props.Number(tt.key)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Number(%q) = %v, %v, want %v, %v", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
}

// Property-based test: parsing never panics
func TestParse_PropertyNeverPanics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse never panics on arbitrary input", prop.ForAll(
		func(s string) bool {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Parse() panicked on %q: %v", s, r)
				}
			}()
			_, _ = Parse([]byte(s))
			_, _ = Parse([]byte(`{"start":"t","nodes":[` + s + `]}`))
			return true
		},
		gen.AnyString(),
	))

	properties.Property("oversized graphs are rejected", prop.ForAll(
		func(extraNodes, extraEdges int) bool {
			_, okNodes := Parse([]byte(buildGraph(types.MaxGraphNodes+extraNodes, 0)))
			_, okEdges := Parse([]byte(buildGraph(2, types.MaxGraphEdges+extraEdges)))
			return !okNodes && !okEdges
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

// buildGraph returns a trigger-rooted graph with n nodes and e edges.
func buildGraph(n, e int) string {
	var b strings.Builder
	b.WriteString(`{"start":"n0","nodes":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		typ := "end"
		if i == 0 {
			typ = "trigger"
		}
		fmt.Fprintf(&b, `{"id":"n%d","type":"%s"}`, i, typ)
	}
	b.WriteString(`],"edges":[`)
	for i := 0; i < e; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"from":"n0","to":"n%d"}`, (i%(n-1))+1)
	}
	b.WriteString(`]}`)
	return b.String()
}
