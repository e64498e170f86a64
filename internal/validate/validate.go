// Package validate performs structural and semantic checks on decision
// graphs before a rule is activated.
//
// Validation is independent of execution. Where the parser silently degrades
// a bad graph into a non-match, the validator reports every problem it finds
// as an itemised issue with a stable code.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/solatis/pointsflow/internal/catalog"
	"github.com/solatis/pointsflow/internal/graph"
	"github.com/solatis/pointsflow/internal/types"
)

/*
 * Validation order.
 *
 *   1. Document shape: JSON object root, start, nodes, edges, size limits.
 *      Failures here stop validation; nothing below is meaningful.
 *   2. Nodes: object shape, id, type, duplicate ids (case-insensitive),
 *      catalog support, deprecation warnings.
 *   3. Start: exists and is trigger/start.
 *   4. Edges: shape, endpoints exist, at most one true and one false edge per
 *      source node.
 *   5. Topology: every non-end node has an outgoing edge, conditional types
 *      have both branch edges, every node is reachable from start (BFS).
 *   6. Properties: per-type checks plus the catalog's requiredProps.
 *
 * Issues are reported in graph declaration order so results are stable.
 */

// Code identifies a class of validation issue.
type Code string

const (
	CodeEmptyGraph          Code = "empty_graph"
	CodeInvalidJSON         Code = "invalid_json"
	CodeRootNotObject       Code = "root_not_object"
	CodeMissingStart        Code = "missing_start"
	CodeMissingNodes        Code = "missing_nodes"
	CodeTooManyNodes        Code = "too_many_nodes"
	CodeInvalidEdges        Code = "invalid_edges"
	CodeTooManyEdges        Code = "too_many_edges"
	CodeInvalidNode         Code = "invalid_node"
	CodeMissingNodeID       Code = "missing_node_id"
	CodeMissingNodeType     Code = "missing_node_type"
	CodeDuplicateNodeID     Code = "duplicate_node_id"
	CodeUnsupportedNodeType Code = "unsupported_node_type"
	CodeStartNotFound       Code = "start_not_found"
	CodeInvalidStartType    Code = "invalid_start_type"
	CodeInvalidEdge         Code = "invalid_edge"
	CodeUnknownEdgeNode     Code = "unknown_edge_node"
	CodeDuplicateBranchEdge Code = "duplicate_branch_edge"
	CodeMissingOutgoingEdge Code = "missing_outgoing_edge"
	CodeMissingBranchEdge   Code = "missing_branch_edge"
	CodeUnreachableNode     Code = "unreachable_node"
	CodeMissingProperty     Code = "missing_property"
	CodeInvalidProperty     Code = "invalid_property"

	// CodeDeprecatedNodeType is only ever a warning.
	CodeDeprecatedNodeType Code = "deprecated_node_type"
)

// Issue is one validation finding.
type Issue struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
}

func (i Issue) String() string {
	if i.NodeID == "" {
		return fmt.Sprintf("%s: %s", i.Code, i.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", i.Code, i.NodeID, i.Message)
}

// Result is the outcome of Validate. IsValid is true when Errors is empty;
// warnings never invalidate a graph.
type Result struct {
	IsValid  bool    `json:"isValid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Err returns nil for a valid result, else types.ErrInvalidGraph wrapping the
// first error.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	return fmt.Errorf("%w: %s (%d issues)", types.ErrInvalidGraph, r.Errors[0], len(r.Errors))
}

// Catalog is the subset of the node catalog the validator consults.
type Catalog interface {
	Lookup(nodeType string) (catalog.Entry, bool)
}

// Validator checks graphs against a node catalog.
type Validator struct {
	catalog Catalog
}

// New creates a validator.
func New(c Catalog) *Validator {
	return &Validator{catalog: c}
}

type nodeInfo struct {
	id    string
	key   string
	typ   string
	entry catalog.Entry
	known bool
	props graph.Properties
}

// report accumulates issues for one Validate call.
type report struct {
	errors   []Issue
	warnings []Issue
	seen     map[string]bool
}

func (r *report) add(code Code, nodeID, format string, args ...any) {
	r.errors = append(r.errors, Issue{Code: code, Message: fmt.Sprintf(format, args...), NodeID: nodeID})
}

func (r *report) warn(code Code, nodeID, format string, args ...any) {
	r.warnings = append(r.warnings, Issue{Code: code, Message: fmt.Sprintf(format, args...), NodeID: nodeID})
}

// once reports a property issue at most once per node and property.
func (r *report) once(code Code, nodeID, prop, format string, args ...any) {
	key := graph.NormalizeID(nodeID) + "\x00" + strings.ToLower(prop)
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	r.add(code, nodeID, format, args...)
}

func (r *report) result() Result {
	return Result{IsValid: len(r.errors) == 0, Errors: r.errors, Warnings: r.warnings}
}

// Validate checks raw graph JSON.
func (v *Validator) Validate(raw []byte) Result {
	rep := &report{seen: make(map[string]bool)}

	if len(bytes.TrimSpace(raw)) == 0 {
		rep.add(CodeEmptyGraph, "", "graph is empty")
		return rep.result()
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil || dec.More() {
		if err == nil {
			err = errors.New("trailing data after graph")
		}
		rep.add(CodeInvalidJSON, "", "graph is not valid JSON: %v", err)
		return rep.result()
	}
	root, ok := doc.(map[string]any)
	if !ok {
		rep.add(CodeRootNotObject, "", "graph root must be an object")
		return rep.result()
	}

	start, _ := root["start"].(string)
	start = strings.TrimSpace(start)
	if start == "" {
		rep.add(CodeMissingStart, "", "start must be a non-empty string")
	}

	rawNodes, ok := root["nodes"].([]any)
	if !ok || len(rawNodes) == 0 {
		rep.add(CodeMissingNodes, "", "nodes must be a non-empty array")
		return rep.result()
	}
	if len(rawNodes) > types.MaxGraphNodes {
		rep.add(CodeTooManyNodes, "", "graph has %d nodes, limit is %d", len(rawNodes), types.MaxGraphNodes)
		return rep.result()
	}

	var rawEdges []any
	if e, present := root["edges"]; present && e != nil {
		arr, ok := e.([]any)
		if !ok {
			rep.add(CodeInvalidEdges, "", "edges must be an array")
			return rep.result()
		}
		if len(arr) > types.MaxGraphEdges {
			rep.add(CodeTooManyEdges, "", "graph has %d edges, limit is %d", len(arr), types.MaxGraphEdges)
			return rep.result()
		}
		rawEdges = arr
	}

	nodes, byKey := v.checkNodes(rep, rawNodes)

	if start != "" {
		switch n, ok := byKey[graph.NormalizeID(start)]; {
		case !ok:
			rep.add(CodeStartNotFound, start, "start node %q does not exist", start)
		case n.typ != "trigger" && n.typ != "start":
			rep.add(CodeInvalidStartType, n.id, "start node must be trigger or start, got %s", n.typ)
		}
	}

	adjacency := checkEdges(rep, rawEdges, byKey)
	checkTopology(rep, nodes, adjacency)
	if start != "" {
		checkReachability(rep, start, nodes, byKey, adjacency)
	}
	for _, n := range nodes {
		checkProperties(rep, n)
	}

	return rep.result()
}

func (v *Validator) checkNodes(rep *report, rawNodes []any) ([]*nodeInfo, map[string]*nodeInfo) {
	var nodes []*nodeInfo
	byKey := make(map[string]*nodeInfo, len(rawNodes))

	for i, rn := range rawNodes {
		obj, ok := rn.(map[string]any)
		if !ok {
			rep.add(CodeInvalidNode, "", "nodes[%d] must be an object", i)
			continue
		}
		id, _ := obj["id"].(string)
		typ, _ := obj["type"].(string)
		id, typ = strings.TrimSpace(id), strings.ToLower(strings.TrimSpace(typ))
		if id == "" {
			rep.add(CodeMissingNodeID, "", "nodes[%d] has no id", i)
			continue
		}
		if typ == "" {
			rep.add(CodeMissingNodeType, id, "node %q has no type", id)
			continue
		}
		key := graph.NormalizeID(id)
		if _, dup := byKey[key]; dup {
			rep.add(CodeDuplicateNodeID, id, "node id %q is declared more than once", id)
			continue
		}

		n := &nodeInfo{id: id, key: key, typ: typ, props: graph.PropertiesOf(obj)}
		if v.catalog != nil {
			n.entry, n.known = v.catalog.Lookup(typ)
		}
		if !n.known {
			rep.add(CodeUnsupportedNodeType, id, "node type %q is not supported", typ)
		} else if n.entry.Deprecated {
			rep.warn(CodeDeprecatedNodeType, id, "node type %q is deprecated, use condition", typ)
		}
		nodes = append(nodes, n)
		byKey[key] = n
	}
	return nodes, byKey
}

func checkEdges(rep *report, rawEdges []any, byKey map[string]*nodeInfo) map[string][]graph.Edge {
	adjacency := make(map[string][]graph.Edge)
	branchSeen := make(map[string]bool)

	for i, re := range rawEdges {
		edge, ok := graph.EdgeFromValue(re)
		if !ok {
			rep.add(CodeInvalidEdge, "", "edges[%d] must be an object with from and to", i)
			continue
		}
		from, fromOK := byKey[graph.NormalizeID(edge.From)]
		if !fromOK {
			rep.add(CodeUnknownEdgeNode, edge.From, "edges[%d] starts at unknown node %q", i, edge.From)
		}
		if _, ok := byKey[graph.NormalizeID(edge.To)]; !ok {
			rep.add(CodeUnknownEdgeNode, edge.To, "edges[%d] points to unknown node %q", i, edge.To)
		}
		if !fromOK {
			continue
		}
		if edge.When != nil {
			key := fmt.Sprintf("%s\x00%t", from.key, *edge.When)
			if branchSeen[key] {
				rep.add(CodeDuplicateBranchEdge, from.id, "node %q has more than one when=%t edge", from.id, *edge.When)
			}
			branchSeen[key] = true
		}
		adjacency[from.key] = append(adjacency[from.key], edge)
	}
	return adjacency
}

func checkTopology(rep *report, nodes []*nodeInfo, adjacency map[string][]graph.Edge) {
	for _, n := range nodes {
		out := adjacency[n.key]
		if n.typ == "end" {
			continue
		}
		if len(out) == 0 {
			rep.add(CodeMissingOutgoingEdge, n.id, "node %q has no outgoing edge", n.id)
			continue
		}
		if !n.known || !n.entry.Conditional() {
			continue
		}
		var hasTrue, hasFalse bool
		for _, e := range out {
			if e.When == nil {
				continue
			}
			if *e.When {
				hasTrue = true
			} else {
				hasFalse = true
			}
		}
		if !hasTrue {
			rep.add(CodeMissingBranchEdge, n.id, "conditional node %q has no when=true edge", n.id)
		}
		if !hasFalse {
			rep.add(CodeMissingBranchEdge, n.id, "conditional node %q has no when=false edge", n.id)
		}
	}
}

func checkReachability(rep *report, start string, nodes []*nodeInfo, byKey map[string]*nodeInfo, adjacency map[string][]graph.Edge) {
	startKey := graph.NormalizeID(start)
	if _, ok := byKey[startKey]; !ok {
		return
	}
	visited := map[string]bool{startKey: true}
	queue := []string{startKey}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range adjacency[cur] {
			to := graph.NormalizeID(e.To)
			if _, ok := byKey[to]; !ok || visited[to] {
				continue
			}
			visited[to] = true
			queue = append(queue, to)
		}
	}
	for _, n := range nodes {
		if !visited[n.key] {
			rep.add(CodeUnreachableNode, n.id, "node %q is not reachable from start", n.id)
		}
	}
}
