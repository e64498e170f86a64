package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

func decodeDoc(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("Unmarshal(%s): %v", raw, err)
	}
	return doc
}

func TestResolveSource(t *testing.T) {
	event := decodeDoc(t, `{
		"topic": "orders",
		"payload": {"Amount": 12.5, "items": [{"sku": "a"}, {"sku": "b"}], "user": {"level": "gold"}}
	}`)
	vars := map[string]any{"base": json.Number("10"), "profile": map[string]any{"tier": "vip"}}
	state := NewState()
	state.Set("visits", json.Number("3"))

	tests := []struct {
		source string
		want   any
		found  bool
	}{
		{"topic", "orders", true},
		{"path:payload.amount", 12.5, true},
		{"amount", 12.5, true},
		{"items.1.sku", "b", true},
		{"items.7.sku", nil, false},
		{"PAYLOAD.User.Level", "gold", true},
		{"var:base", json.Number("10"), true},
		{"VAR:profile.tier", "vip", true},
		{"var:missing", nil, false},
		{"state:visits", json.Number("3"), true},
		{"state:none", nil, false},
		{"", nil, false},
		{"nope.nada", nil, false},
	}
	for _, tt := range tests {
		got, found := ResolveSource(tt.source, event, vars, state)
		if found != tt.found {
			t.Errorf("ResolveSource(%q) found = %v, want %v", tt.source, found, tt.found)
			continue
		}
		if found && got != tt.want {
			t.Errorf("ResolveSource(%q) = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestResolveSource_NilState(t *testing.T) {
	if _, found := ResolveSource("state:x", nil, nil, nil); found {
		t.Error("ResolveSource(state:x) with nil state found = true, want false")
	}
}

func TestAsNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{json.Number("42"), "42", true},
		{3.25, "3.25", true},
		{" 7.5 ", "7.5", true},
		{"", "0", false},
		{"  ", "0", false},
		{"abc", "0", false},
		{true, "0", false},
		{nil, "0", false},
	}
	for _, tt := range tests {
		got, ok := AsNumber(tt.in)
		if ok != tt.ok {
			t.Errorf("AsNumber(%v) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("AsNumber(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestAsTime(t *testing.T) {
	want := time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in any
		ok bool
	}{
		{"2024-01-02T03:04:05Z", true},
		{"2024-01-02T05:04:05+02:00", true},
		{"2024-01-02 03:04:05", true},
		{json.Number("1704164645"), true},
		{float64(1704164645), true},
		{"yesterday", false},
		{true, false},
	}
	for _, tt := range tests {
		got, ok := AsTime(tt.in)
		if ok != tt.ok {
			t.Errorf("AsTime(%v) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(want) {
			t.Errorf("AsTime(%v) = %v, want %v", tt.in, got, want)
		}
		if ok && got.Location() != time.UTC {
			t.Errorf("AsTime(%v) location = %v, want UTC", tt.in, got.Location())
		}
	}

	if d, ok := AsTime("2024-01-02"); !ok || !d.Equal(time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("AsTime(date) = %v, %v", d, ok)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op     string
		value  any
		found  bool
		target any
		want   bool
	}{
		{"==", json.Number("5"), true, "5", true},
		{"eq", "gold", true, "gold", true},
		{"neq", "gold", true, "silver", true},
		{">", json.Number("10"), true, json.Number("5"), true},
		{"gte", "10", true, 10.0, true},
		{"lt", "abc", true, 10.0, false},
		{"contains", "hello world", true, "world", true},
		{"contains", []any{"a", "b"}, true, "b", true},
		{"not_contains", []any{"a", "b"}, true, "c", true},
		{"in", "b", true, []any{"a", "b"}, true},
		{"in", "b", true, "a, b", true},
		{"not_in", "z", true, []any{"a"}, true},
		{"starts_with", "order-1", true, "order", true},
		{"ends_with", "order-1", true, "-1", true},
		{"exists", nil, false, nil, false},
		{"exists", "x", true, nil, true},
		{"not_exists", nil, false, nil, true},
		{"eq", nil, false, nil, false},
		{"eq", map[string]any{}, true, map[string]any{}, false},
	}
	for _, tt := range tests {
		op, ok := ParseOperator(tt.op)
		if !ok {
			t.Fatalf("ParseOperator(%q) ok = false", tt.op)
		}
		if got := Compare(op, tt.value, tt.found, tt.target); got != tt.want {
			t.Errorf("Compare(%s, %v, %v) = %v, want %v", tt.op, tt.value, tt.target, got, tt.want)
		}
	}

	if _, ok := ParseOperator("~="); ok {
		t.Error("ParseOperator(~=) ok = true, want false")
	}
}

func TestRenderTemplate(t *testing.T) {
	values := map[string]any{"name": "Ada", "points": json.Number("50")}
	resolve := func(p string) (any, bool) {
		v, ok := values[p]
		return v, ok
	}
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"Hi {{name}}", "Hi Ada"},
		{"{{ name }} has {{points}} points", "Ada has 50 points"},
		{"missing [{{nope}}]", "missing []"},
		{"open {{name", "open {{name"},
	}
	for _, tt := range tests {
		if got := renderTemplate(tt.in, resolve); got != tt.want {
			t.Errorf("renderTemplate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLookupPath_NeverPanics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	doc := map[string]any{
		"payload": map[string]any{"a": []any{1.0, map[string]any{"b": "c"}}},
	}
	properties.Property("path lookup never panics", prop.ForAll(
		func(path string) bool {
			LookupPath(doc, path)
			return true
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
