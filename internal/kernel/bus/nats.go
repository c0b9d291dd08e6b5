package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/common/config"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/event"
	"github.com/kandev/agentkernel/internal/kernel/kernelmetrics"
)

// subjectPrefix namespaces kernel event subjects so a shared NATS
// cluster can carry other traffic alongside the kernel.
const subjectPrefix = "kernel.events."

// wireEvent is the JSON form of event.Event sent over NATS. Payload
// survives the round trip only if it is itself JSON-marshalable;
// handlers that need a concrete payload type on the receiving side
// must decode Payload themselves, the same constraint the in-process
// bus's direct any value does not have.
type wireEvent struct {
	ID        string            `json:"id"`
	Kind      event.Kind        `json:"kind"`
	SourceID  string            `json:"source_id"`
	Payload   any               `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Priority  event.Priority    `json:"priority"`
	Sequence  uint64            `json:"sequence"`
}

// NATSEventBus implements EventBus over a NATS subject per event kind,
// generalizing internal/events/bus's string-subject NATSEventBus to
// the kernel's closed event.Kind set. Priority ordering within a
// single process's dispatch is preserved exactly as published;
// cross-process ordering is whatever NATS delivers, since no central
// sequencer exists once more than one kernel publishes to the same
// subject space.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger

	seq      uint64
	seqMu    sync.Mutex
	pending  atomic.Int64
	recorder Recorder
	schema   *event.SchemaRegistry

	mu       sync.Mutex
	closed   bool
	subsByID map[string]*nats.Subscription
}

// NewNATSEventBus dials cfg.URL and returns a bus ready to publish and
// subscribe. recorder and schema may be nil.
func NewNATSEventBus(cfg config.NATSConfig, recorder Recorder, schema *event.SchemaRegistry, log *logger.Logger) (*NATSEventBus, error) {
	b := &NATSEventBus{
		logger:   log.WithFields(zap.String("component", "nats_bus")),
		recorder: recorder,
		schema:   schema,
		subsByID: make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.logger.Error("nats error", zap.Error(err), zap.String("subject", subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	b.conn = conn
	b.logger.Info("connected to nats", zap.String("url", cfg.URL))
	return b, nil
}

func (b *NATSEventBus) Publish(ctx context.Context, kind event.Kind, sourceID string, payload any, priority event.Priority, metadata map[string]string) (uint64, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBusClosed
	}
	b.mu.Unlock()

	if err := b.schema.Validate(&event.Event{Kind: kind, Payload: payload}); err != nil {
		return 0, err
	}

	b.seqMu.Lock()
	b.seq++
	seq := b.seq
	b.seqMu.Unlock()

	ev := &event.Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		SourceID:  sourceID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
		Priority:  priority,
		Sequence:  seq,
	}

	if b.recorder != nil {
		if err := b.recorder.Append(ev); err != nil {
			return 0, err
		}
	}

	data, err := json.Marshal(wireEvent{
		ID: ev.ID, Kind: ev.Kind, SourceID: ev.SourceID, Payload: ev.Payload,
		Timestamp: ev.Timestamp, Metadata: ev.Metadata, Priority: ev.Priority, Sequence: ev.Sequence,
	})
	if err != nil {
		return 0, fmt.Errorf("bus: marshal event: %w", err)
	}

	if err := b.conn.Publish(subjectPrefix+string(kind), data); err != nil {
		return 0, fmt.Errorf("bus: publish to nats: %w", err)
	}
	b.pending.Add(1)

	kernelmetrics.ObserveEvent(kind)
	kernelmetrics.EventQueueLength.Set(float64(b.pending.Load()))

	return seq, nil
}

func (b *NATSEventBus) Subscribe(kind event.Kind, handler Handler) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	b.mu.Unlock()

	id := uuid.New().String()
	sub, err := b.conn.Subscribe(subjectPrefix+string(kind), func(msg *nats.Msg) {
		b.pending.Add(-1)
		kernelmetrics.EventQueueLength.Set(float64(b.pending.Load()))

		var we wireEvent
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			b.logger.Error("failed to unmarshal event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		ev := &event.Event{
			ID: we.ID, Kind: we.Kind, SourceID: we.SourceID, Payload: we.Payload,
			Timestamp: we.Timestamp, Metadata: we.Metadata, Priority: we.Priority, Sequence: we.Sequence,
		}
		if err := handler(context.Background(), ev); err != nil {
			b.logger.Error("handler returned error", zap.String("subscription_id", id), zap.String("kind", string(kind)), zap.Error(err))
		}
	})
	if err != nil {
		return "", fmt.Errorf("bus: subscribe to nats: %w", err)
	}

	b.mu.Lock()
	b.subsByID[id] = sub
	b.mu.Unlock()
	return id, nil
}

func (b *NATSEventBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subsByID[subscriptionID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownSubscription
	}
	delete(b.subsByID, subscriptionID)
	b.mu.Unlock()
	return sub.Unsubscribe()
}

func (b *NATSEventBus) QueueLength() int {
	return int(b.pending.Load())
}

func (b *NATSEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*nats.Subscription, 0, len(b.subsByID))
	for _, s := range b.subsByID {
		subs = append(subs, s)
	}
	b.subsByID = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			b.logger.Warn("error unsubscribing during close", zap.Error(err))
		}
	}

	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining nats connection", zap.Error(err))
		b.conn.Close()
	}
	return nil
}
