// Package intake feeds events into the orchestrator: a NATS queue
// subscription for business events and a once-a-minute cron tick.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/solatis/pointsflow/internal/orchestrator"
	"github.com/solatis/pointsflow/internal/types"
)

const (
	DefaultEventsSubject = "pointsflow.events.>"
	DefaultQueueGroup    = "pointsflow"
)

// Processor is the orchestrator entry point.
type Processor interface {
	Process(ctx context.Context, ev types.Event) (orchestrator.Report, error)
}

// reply is sent back when an event arrives as a request.
type reply struct {
	Report *orchestrator.Report `json:"report,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// Subscriber decodes events from a NATS queue subscription.
type Subscriber struct {
	conn      *nats.Conn
	processor Processor
	subject   string
	queue     string
	logger    *slog.Logger
}

// NewSubscriber creates a subscriber. Empty subject or queue select the
// defaults.
func NewSubscriber(conn *nats.Conn, processor Processor, subject, queue string, logger *slog.Logger) *Subscriber {
	if subject == "" {
		subject = DefaultEventsSubject
	}
	if queue == "" {
		queue = DefaultQueueGroup
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{conn: conn, processor: processor, subject: subject, queue: queue, logger: logger}
}

// Run subscribes and blocks until ctx is done, then drains the subscription.
func (s *Subscriber) Run(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}
	s.logger.Info("event intake subscribed", "subject", s.subject, "queue", s.queue)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.logger.Warn("failed to drain event subscription", "error", err)
	}
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	ev, err := DecodeEvent(msg)
	if err != nil {
		s.logger.Warn("dropping undecodable event", "subject", msg.Subject, "error", err)
		s.respond(msg, reply{Error: err.Error()})
		return
	}

	report, err := s.processor.Process(ctx, ev)
	if err != nil {
		s.logger.Error("event processing failed",
			"operation_id", ev.OperationID,
			"topic", ev.Topic,
			"error", err)
		s.respond(msg, reply{Error: err.Error()})
		return
	}
	s.respond(msg, reply{Report: &report})
}

func (s *Subscriber) respond(msg *nats.Msg, r reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn("failed to encode reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", "error", err)
	}
}

// DecodeEvent parses a JSON event. A missing operationId falls back to the
// Nats-Msg-Id header; a missing topic falls back to the last subject token.
func DecodeEvent(msg *nats.Msg) (types.Event, error) {
	var ev types.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return types.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.OperationID == "" && msg.Header != nil {
		ev.OperationID = types.OperationID(msg.Header.Get(nats.MsgIdHdr))
	}
	if ev.Topic == "" {
		if i := strings.LastIndexByte(msg.Subject, '.'); i >= 0 && i < len(msg.Subject)-1 {
			ev.Topic = msg.Subject[i+1:]
		}
	}
	if ev.OperationID == "" || ev.Topic == "" {
		return types.Event{}, types.ErrInvalidEvent
	}
	return ev, nil
}

// Ticker emits one subject-less event per minute on the cron topic. Every
// replica derives the same operation id for a minute, so a tick is applied
// once however many replicas run.
type Ticker struct {
	processor Processor
	topic     string
	logger    *slog.Logger
	now       func() time.Time
}

// NewTicker creates a ticker for topic.
func NewTicker(processor Processor, topic string, logger *slog.Logger) *Ticker {
	if topic == "" {
		topic = orchestrator.DefaultCronTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{processor: processor, topic: topic, logger: logger, now: time.Now}
}

// Run fires at the top of every minute until ctx is done.
func (t *Ticker) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("* * * * *", func() { t.Tick(ctx, t.now()) }); err != nil {
		return fmt.Errorf("schedule cron tick: %w", err)
	}
	c.Start()
	t.logger.Info("cron ticker started", "topic", t.topic)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Tick processes the tick for the minute containing at.
func (t *Ticker) Tick(ctx context.Context, at time.Time) {
	minute := at.UTC().Truncate(time.Minute)
	ev := types.Event{
		OperationID: types.CronOperationID(minute),
		Topic:       t.topic,
		OccurredAt:  minute,
		EventType:   "tick",
	}
	report, err := t.processor.Process(ctx, ev)
	if err != nil {
		t.logger.Error("cron tick failed", "minute", minute, "error", err)
		return
	}
	t.logger.Debug("cron tick processed",
		"minute", minute,
		"applied", report.Count(orchestrator.StatusApplied),
		"not_scheduled", report.Count(orchestrator.StatusNotScheduled))
}
