package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/solatis/pointsflow/internal/graph"
)

// State is the persisted, schema-less key/value document of one node for one
// subject. Node handlers use the typed accessors; JSON encoding happens only
// at the store boundary (DecodeState / MarshalJSON).
type State struct {
	values    map[string]any
	UpdatedAt time.Time
	dirty     bool
}

// NewState returns an empty state.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// DecodeState restores a state from its persisted JSON. Empty input yields an
// empty state.
func DecodeState(raw []byte, updatedAt time.Time) (*State, error) {
	s := NewState()
	s.UpdatedAt = updatedAt
	if len(bytes.TrimSpace(raw)) == 0 {
		return s, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&s.values); err != nil {
		return nil, fmt.Errorf("failed to decode node state: %w", err)
	}
	if s.values == nil {
		s.values = make(map[string]any)
	}
	return s, nil
}

// MarshalJSON implements json.Marshaler.
func (s *State) MarshalJSON() ([]byte, error) {
	if s == nil || s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

// Clone returns a deep-enough copy: top-level keys are copied, nested values
// are shared. Handlers only ever replace top-level values.
func (s *State) Clone() *State {
	c := NewState()
	c.UpdatedAt = s.UpdatedAt
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

// Dirty reports whether the state changed since it was loaded.
func (s *State) Dirty() bool { return s.dirty }

// Get returns the raw value under key.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set stores v under key.
func (s *State) Set(key string, v any) {
	s.values[key] = v
	s.dirty = true
}

// Merge stores every entry of m.
func (s *State) Merge(m map[string]any) {
	for k, v := range m {
		s.values[k] = v
	}
	if len(m) > 0 {
		s.dirty = true
	}
}

// Delete removes key.
func (s *State) Delete(key string) {
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Values returns a copy of the document.
func (s *State) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Int returns key as an integer, truncating fractional numbers.
func (s *State) Int(key string) (int64, bool) {
	v, ok := s.values[key]
	if !ok {
		return 0, false
	}
	f, ok := toFloat64(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Float returns key as a float.
func (s *State) Float(key string) (float64, bool) {
	v, ok := s.values[key]
	if !ok {
		return 0, false
	}
	return toFloat64(v)
}

// String returns key as a string.
func (s *State) String(key string) (string, bool) {
	v, ok := s.values[key].(string)
	return v, ok
}

// Bool returns key as a boolean; absent or non-boolean is false.
func (s *State) Bool(key string) bool {
	v, _ := s.values[key].(bool)
	return v
}

// Time returns key parsed as a timestamp.
func (s *State) Time(key string) (time.Time, bool) {
	v, ok := s.values[key]
	if !ok {
		return time.Time{}, false
	}
	return AsTime(v)
}

// SetTime stores t in RFC 3339 form.
func (s *State) SetTime(key string, t time.Time) {
	s.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// SetInt stores n as a JSON number.
func (s *State) SetInt(key string, n int64) {
	s.Set(key, json.Number(strconv.FormatInt(n, 10)))
}

// StateSource gives the engine read access to persisted node state of the
// current subject. A nil return means the node has no state yet.
type StateSource interface {
	NodeState(nodeID string) *State
}

// StateMap is a StateSource backed by a map keyed by normalized node id.
type StateMap map[string]*State

// NodeState implements StateSource.
func (m StateMap) NodeState(nodeID string) *State {
	if m == nil {
		return nil
	}
	return m[graph.NormalizeID(nodeID)]
}
