package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultKey is the key holding the catalog document in the bucket.
const DefaultKey = "node-catalog"

// KeyValueGetter is the subset of jetstream.KeyValue the source needs.
type KeyValueGetter interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
}

// KVSource reads the catalog from a JetStream key-value bucket. The value is
// a JSON document of the same shape as the embedded YAML.
type KVSource struct {
	kv  KeyValueGetter
	key string
}

// NewKVSource creates a source reading key from kv. Empty key uses DefaultKey.
func NewKVSource(kv KeyValueGetter, key string) *KVSource {
	if key == "" {
		key = DefaultKey
	}
	return &KVSource{kv: kv, key: key}
}

// OpenKVSource binds to an existing bucket.
func OpenKVSource(ctx context.Context, js jetstream.JetStream, bucket, key string) (*KVSource, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog bucket %s: %w", bucket, err)
	}
	return NewKVSource(kv, key), nil
}

// Load implements Source.
func (s *KVSource) Load(ctx context.Context) ([]Entry, error) {
	entry, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog key %s: %w", s.key, err)
	}
	var doc document
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode catalog document: %w", err)
	}
	return doc.Nodes, nil
}
