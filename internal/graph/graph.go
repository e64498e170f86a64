// Package graph parses JSON decision graphs into an executable structure.
//
// Parsing never fails loudly: any structural problem yields ok=false and the
// caller treats the graph as non-matching. Itemised diagnostics are the job of
// internal/validate, which walks the raw JSON itself.
package graph

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/solatis/pointsflow/internal/types"
)

/*
 * Graph model and parser.
 *
 * Shape: {start, nodes:[{id,type,...props}], edges:[{from,to,when?}]}
 *
 * Parse rules:
 *   - root must be an object with a non-empty string start
 *   - nodes must be an array of at most MaxGraphNodes objects, each with
 *     non-empty id and type; a later duplicate id (case-insensitive) replaces
 *     the earlier node
 *   - edges is optional; at most MaxGraphEdges entries; entries that are not
 *     objects or have blank from/to are skipped
 *
 * Numbers are decoded as json.Number so point amounts keep their decimal
 * representation until the engine converts them.
 *
 * Adjacency is keyed by the trimmed, lower-cased source id and keeps edges in
 * declared order; Next depends on that order for its final fallback.
 */

// Edge is a directed connection. When is nil for a default edge.
type Edge struct {
	From string
	To   string
	When *bool
}

// Node is one typed step of a graph.
type Node struct {
	ID    string
	Type  string
	Props Properties
}

// Graph is a parsed decision graph.
type Graph struct {
	Start     string
	nodes     map[string]*Node
	order     []string
	adjacency map[string][]Edge
	edgeCount int
}

// Parse decodes raw graph JSON. ok is false for any structural problem.
func Parse(raw []byte) (g *Graph, ok bool) {
	root, ok := decodeObject(raw)
	if !ok {
		return nil, false
	}

	start, _ := root["start"].(string)
	start = strings.TrimSpace(start)
	if start == "" {
		return nil, false
	}

	rawNodes, ok := root["nodes"].([]any)
	if !ok || len(rawNodes) > types.MaxGraphNodes {
		return nil, false
	}

	g = &Graph{
		Start:     start,
		nodes:     make(map[string]*Node, len(rawNodes)),
		adjacency: make(map[string][]Edge),
	}

	for _, rn := range rawNodes {
		obj, isObj := rn.(map[string]any)
		if !isObj {
			return nil, false
		}
		node, valid := nodeFromObject(obj)
		if !valid {
			return nil, false
		}
		key := NormalizeID(node.ID)
		if _, exists := g.nodes[key]; !exists {
			g.order = append(g.order, key)
		}
		g.nodes[key] = node
	}

	if rawEdges, present := root["edges"]; present && rawEdges != nil {
		edges, isArr := rawEdges.([]any)
		if !isArr || len(edges) > types.MaxGraphEdges {
			return nil, false
		}
		for _, re := range edges {
			edge, valid := EdgeFromValue(re)
			if !valid {
				continue
			}
			key := NormalizeID(edge.From)
			g.adjacency[key] = append(g.adjacency[key], edge)
			g.edgeCount++
		}
	}

	return g, true
}

// Node returns the node with the given id (case-insensitive).
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[NormalizeID(id)]
	return n, ok
}

// Nodes returns nodes in first-declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, key := range g.order {
		out = append(out, g.nodes[key])
	}
	return out
}

// Outgoing returns the edges leaving id in declared order.
func (g *Graph) Outgoing(id string) []Edge {
	return g.adjacency[NormalizeID(id)]
}

// EdgeCount returns the number of well-formed edges.
func (g *Graph) EdgeCount() int {
	return g.edgeCount
}

// Next resolves the successor of id for a branch outcome.
//
// Tie-break, in order: the edge whose when equals the outcome; the first edge
// without when; the first outgoing edge. BranchNone only matches edges without
// when, so non-branching nodes follow their default edge, else the first edge.
func (g *Graph) Next(id string, b Branch) (string, bool) {
	edges := g.Outgoing(id)
	if len(edges) == 0 {
		return "", false
	}
	if b != BranchNone {
		want := b == BranchTrue
		for _, e := range edges {
			if e.When != nil && *e.When == want {
				return e.To, true
			}
		}
	}
	for _, e := range edges {
		if e.When == nil {
			return e.To, true
		}
	}
	return edges[0].To, true
}

// NormalizeID is the canonical form used for id comparison.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// EdgeFromValue converts one decoded edge entry. A non-boolean when is
// treated as absent.
func EdgeFromValue(v any) (Edge, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Edge{}, false
	}
	from, _ := obj["from"].(string)
	to, _ := obj["to"].(string)
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return Edge{}, false
	}
	edge := Edge{From: from, To: to}
	if w, isBool := obj["when"].(bool); isBool {
		edge.When = &w
	}
	return edge, true
}

// DecodeObject decodes raw JSON into a generic object, keeping numbers as
// json.Number. ok is false when raw is not a JSON object.
func DecodeObject(raw []byte) (map[string]any, bool) {
	return decodeObject(raw)
}

func decodeObject(raw []byte) (map[string]any, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

func nodeFromObject(obj map[string]any) (*Node, bool) {
	id, _ := obj["id"].(string)
	typ, _ := obj["type"].(string)
	id = strings.TrimSpace(id)
	typ = strings.TrimSpace(typ)
	if id == "" || typ == "" {
		return nil, false
	}
	return &Node{ID: id, Type: typ, Props: PropertiesOf(obj)}, true
}
