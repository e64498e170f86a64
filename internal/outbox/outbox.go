// Package outbox relays committed effect messages to NATS JetStream.
//
// Rows are written by the orchestrator in the same transaction as the
// execution marker, so an effect exists if and only if its rule application
// committed. The relay publishes at least once; the deterministic message id
// is sent as Nats-Msg-Id so the stream's duplicate window drops re-sends.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/solatis/pointsflow/internal/types"
)

const (
	DefaultInterval   = time.Second
	DefaultBatchSize  = 100
	DefaultDupWindow  = 2 * time.Minute
	DefaultStreamName = "POINTSFLOW_ACTIONS"

	// KindHeader carries the effect kind so consumers can route without
	// decoding the payload.
	KindHeader = "Pointsflow-Kind"
)

// Store is the outbox persistence the relay drains.
type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]types.OutboxMessage, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// Publisher delivers one message, using msg.ID for deduplication.
type Publisher interface {
	Publish(ctx context.Context, msg types.OutboxMessage) error
}

// JetStreamPublisher publishes to JetStream with Nats-Msg-Id set.
type JetStreamPublisher struct {
	js jetstream.JetStream
}

// NewJetStreamPublisher wraps js.
func NewJetStreamPublisher(js jetstream.JetStream) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

// Publish implements Publisher. A stream-level duplicate counts as success.
func (p *JetStreamPublisher) Publish(ctx context.Context, msg types.OutboxMessage) error {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Payload
	m.Header.Set(KindHeader, msg.Kind)
	if _, err := p.js.PublishMsg(ctx, m, jetstream.WithMsgID(msg.ID)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.ID, msg.Subject, err)
	}
	return nil
}

// EnsureStream creates or updates the stream capturing prefix.>.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string, dupWindow time.Duration) (jetstream.Stream, error) {
	if name == "" {
		name = DefaultStreamName
	}
	if dupWindow <= 0 {
		dupWindow = DefaultDupWindow
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: dupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return stream, nil
}

// Config tunes the relay. Zero values select the defaults.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Relay polls the outbox and publishes pending messages in order.
type Relay struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay creates a relay. logger may be nil.
func NewRelay(store Store, publisher Publisher, cfg Config, logger *slog.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  cfg.Interval,
		batch:     cfg.BatchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run flushes on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox flush failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch. Publish failures are recorded on the row and
// retried next flush; the error is only for failing to read or update the
// outbox itself.
func (r *Relay) Flush(ctx context.Context) (published int, err error) {
	pending, err := r.store.PendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	for _, msg := range pending {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if perr := r.publisher.Publish(ctx, msg); perr != nil {
			r.logger.Warn("outbox publish failed",
				"message_id", msg.ID,
				"subject", msg.Subject,
				"attempts", msg.Attempts+1,
				"error", perr)
			if err := r.store.MarkFailed(ctx, msg.ID, perr); err != nil {
				return published, err
			}
			continue
		}
		if err := r.store.MarkPublished(ctx, msg.ID, r.now()); err != nil {
			return published, err
		}
		published++
	}

	if published > 0 {
		r.logger.Debug("outbox flushed", "published", published, "pending", len(pending))
	}
	return published, nil
}
