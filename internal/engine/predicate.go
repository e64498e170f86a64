package engine

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"
)

// Predicate evaluates a boolean rule over a JSON document. The engine ships a
// JsonLogic implementation; callers may plug in another evaluator.
type Predicate interface {
	Evaluate(logic any, data any) (bool, error)
}

// JSONLogic evaluates predicates with github.com/diegoholiveira/jsonlogic.
type JSONLogic struct{}

// Evaluate implements Predicate. The result is interpreted with JsonLogic
// truthiness.
func (JSONLogic) Evaluate(logic any, data any) (bool, error) {
	rule, err := json.Marshal(logic)
	if err != nil {
		return false, err
	}
	doc, err := json.Marshal(data)
	if err != nil {
		return false, err
	}
	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(rule), bytes.NewReader(doc), &out); err != nil {
		return false, err
	}
	dec := json.NewDecoder(&out)
	dec.UseNumber()
	var result any
	if err := dec.Decode(&result); err != nil {
		return false, err
	}
	return truthy(result), nil
}

// truthy follows JsonLogic: false, null, 0, "" and [] are falsy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return true
	default:
		f, ok := toFloat64(v)
		return !ok || f != 0
	}
}

// renderTemplate substitutes {{path}} placeholders through resolve. Unknown
// placeholders render empty; an unterminated "{{" is copied verbatim.
func renderTemplate(tmpl string, resolve func(string) (any, bool)) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[open+2:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		expr := strings.TrimSpace(rest[open+2 : open+2+end])
		if v, ok := resolve(expr); ok {
			b.WriteString(Stringify(v))
		}
		rest = rest[open+2+end+2:]
	}
	return b.String()
}
