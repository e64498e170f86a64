package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeEntry overrides Value; other KeyValueEntry methods are unused.
type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e fakeEntry) Value() []byte { return e.value }

type fakeKV struct {
	value []byte
	err   error
}

func (f fakeKV) Get(_ context.Context, _ string) (jetstream.KeyValueEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeEntry{value: f.value}, nil
}

func TestBuiltin_ContainsEveryHandledType(t *testing.T) {
	c := MustBuiltin()
	want := []string{
		"trigger", "start", "end", "filter", "condition", "range_switch", "equals_switch",
		"contains_switch", "counter", "cooldown", "streak_daily", "var_set", "state_get",
		"state_set", "compute_tenure", "audience_selector", "award", "action_update_profile",
		"action_notification", "action_feed_post",
	}
	for _, typ := range want {
		if !c.Supported(typ) {
			t.Errorf("Supported(%q) = false, want true", typ)
		}
	}
	if len(c.Entries()) != len(want) {
		t.Errorf("len(Entries()) = %d, want %d", len(c.Entries()), len(want))
	}
}

func TestBuiltin_Conditional(t *testing.T) {
	c := MustBuiltin()
	conditional := map[string]bool{
		"filter": true, "counter": true, "cooldown": true, "condition": true,
		"range_switch": true, "equals_switch": true, "contains_switch": true, "streak_daily": true,
		"award": false, "trigger": false, "end": false, "audience_selector": false,
	}
	for typ, want := range conditional {
		e, ok := c.Lookup(typ)
		if !ok {
			t.Fatalf("Lookup(%q) not found", typ)
		}
		if got := e.Conditional(); got != want {
			t.Errorf("%s Conditional() = %v, want %v", typ, got, want)
		}
	}
}

func TestLookup_CaseInsensitive(t *testing.T) {
	c := MustBuiltin()
	e, ok := c.Lookup("  Range_Switch ")
	if !ok {
		t.Fatal("Lookup() not found")
	}
	if !e.Deprecated {
		t.Error("range_switch Deprecated = false, want true")
	}
}

func TestRefresh_RemoteReplacesBuiltin(t *testing.T) {
	src := NewKVSource(fakeKV{value: []byte(`{"version":9,"nodes":[{"type":"trigger","outputs":["next"]},{"type":"award"}]}`)}, "")
	c, err := New(src, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !c.Remote() {
		t.Error("Remote() = false, want true")
	}
	if c.Supported("filter") {
		t.Error("Supported(filter) = true, want false after remote replace")
	}
	if !c.Supported("AWARD") {
		t.Error("Supported(AWARD) = false, want true")
	}
}

func TestRefresh_FallsBackToBuiltin(t *testing.T) {
	tests := []struct {
		name string
		kv   fakeKV
	}{
		{"source error", fakeKV{err: errors.New("nats: no responders")}},
		{"malformed document", fakeKV{value: []byte(`{nodes:`)}},
		{"empty document", fakeKV{value: []byte(`{"nodes":[]}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(NewKVSource(tt.kv, "catalog"), nil)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if err := c.Refresh(context.Background()); err == nil {
				t.Error("Refresh() error = nil, want error")
			}
			if c.Remote() {
				t.Error("Remote() = true, want false")
			}
			if !c.Supported("filter") {
				t.Error("Supported(filter) = false, want built-in fallback")
			}
		})
	}
}

func TestRefresh_NilSourceIsNoop(t *testing.T) {
	c := MustBuiltin()
	if err := c.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh() error = %v, want nil", err)
	}
	if !c.Supported("trigger") {
		t.Error("Supported(trigger) = false, want true")
	}
}
