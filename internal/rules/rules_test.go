package rules

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/solatis/pointsflow/internal/catalog"
	"github.com/solatis/pointsflow/internal/types"
	"github.com/solatis/pointsflow/internal/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const purchaseGraph = `{"start": "t", "nodes": [
  {"id": "t", "type": "trigger"},
  {"id": "f", "type": "filter", "logic": {"==": [{"var": "payload.action"}, "purchase"]}},
  {"id": "a", "type": "award", "points": 50},
  {"id": "e", "type": "end"}],
 "edges": [
  {"from": "t", "to": "f"},
  {"from": "f", "to": "a", "when": true},
  {"from": "f", "to": "e", "when": false},
  {"from": "a", "to": "e"}]}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "graphs/purchase.json", purchaseGraph)
	path := writeFile(t, dir, "rules.yaml", `rules:
  - id: inline
    topic: orders
    priority: 5
    maxExecutions: 100
    variables: {bonus: 10}
    schedule: {kind: daily, hour: 9}
    graph: `+strings.ReplaceAll(purchaseGraph, "\n", "\n      ")+`
  - id: from-file
    name: From file
    topic: orders
    active: false
    graphFile: graphs/purchase.json
`)

	got, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	inline := got[0]
	assert.Equal(t, types.RuleID("inline"), inline.ID)
	assert.Equal(t, "inline", inline.Name)
	assert.Equal(t, 5, inline.Priority)
	assert.Equal(t, int64(100), inline.MaxExecutions)
	assert.True(t, inline.IsActive)
	assert.JSONEq(t, `{"bonus":10}`, string(inline.Variables))
	assert.JSONEq(t, `{"kind":"daily","hour":9}`, string(inline.Schedule))
	assert.JSONEq(t, purchaseGraph, string(inline.Graph))

	fromFile := got[1]
	assert.Equal(t, "From file", fromFile.Name)
	assert.False(t, fromFile.IsActive)
	assert.Nil(t, fromFile.Variables)
	assert.JSONEq(t, purchaseGraph, string(fromFile.Graph))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "rules: [\n"},
		{"missing id", "rules:\n  - topic: orders\n    graph: {start: t}\n"},
		{"duplicate id", "rules:\n  - {id: a, topic: x, graph: {start: t}}\n  - {id: a, topic: x, graph: {start: t}}\n"},
		{"missing topic", "rules:\n  - {id: a, graph: {start: t}}\n"},
		{"missing graph", "rules:\n  - {id: a, topic: x}\n"},
		{"both graphs", "rules:\n  - {id: a, topic: x, graph: {start: t}, graphFile: g.json}\n"},
		{"absent graph file", "rules:\n  - {id: a, topic: x, graphFile: nope.json}\n"},
		{"negative max", "rules:\n  - {id: a, topic: x, maxExecutions: -1, graph: {start: t}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), t.TempDir())
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte("rules:\n  - topic: x\n    graph: {start: t}\n"), "")
	assert.ErrorIs(t, err, types.ErrInvalidRuleID)
}

type memStore struct {
	saved []types.Rule
	err   error
}

func (s *memStore) SaveRule(_ context.Context, r types.Rule) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, r)
	return nil
}

func newImporter(store Store) *Importer {
	return NewImporter(store, validate.New(catalog.MustBuiltin()), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestImport(t *testing.T) {
	store := &memStore{}
	im := newImporter(store)

	good := types.Rule{ID: "good", Topic: "orders", Graph: json.RawMessage(purchaseGraph), IsActive: true}
	badGraph := types.Rule{ID: "bad-graph", Topic: "orders", Graph: json.RawMessage(`{"start":"x","nodes":[]}`)}
	badSchedule := types.Rule{ID: "bad-schedule", Topic: "cron", Graph: json.RawMessage(purchaseGraph),
		Schedule: json.RawMessage(`{"kind":"daily","hour":25}`)}

	res, err := im.Import(context.Background(), []types.Rule{good, badGraph, badSchedule})
	require.NoError(t, err)
	assert.Equal(t, []types.RuleID{"good"}, res.Imported)
	require.Len(t, res.Rejected, 2)
	assert.ErrorIs(t, res.Rejected[0].Err, types.ErrInvalidGraph)
	assert.ErrorIs(t, res.Rejected[1].Err, types.ErrInvalidSchedule)
	assert.ErrorIs(t, res.Err(), types.ErrInvalidGraph)

	require.Len(t, store.saved, 1)
	assert.False(t, store.saved[0].CreatedAt.IsZero())
}

func TestImport_StoreFailureAborts(t *testing.T) {
	boom := errors.New("disk full")
	im := newImporter(&memStore{err: boom})
	rules := []types.Rule{
		{ID: "a", Topic: "orders", Graph: json.RawMessage(purchaseGraph)},
		{ID: "b", Topic: "orders", Graph: json.RawMessage(purchaseGraph)},
	}
	res, err := im.Import(context.Background(), rules)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, res.Imported)
	assert.NoError(t, res.Err())
}
