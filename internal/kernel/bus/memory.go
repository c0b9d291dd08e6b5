package bus

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/event"
	"github.com/kandev/agentkernel/internal/kernel/kernelmetrics"
	"go.uber.org/zap"
)

// DefaultDispatchDeadline bounds how long a single handler invocation
// may run before the bus abandons it. The next invocation to the same
// handler is unaffected.
const DefaultDispatchDeadline = 5 * time.Second

// DefaultSubscriberBacklog bounds the per-subscription delivery
// channel; a slow handler that falls behind drops events (logged)
// rather than stalling the dispatch loop.
const DefaultSubscriberBacklog = 256

// queuedEvent is an admitted event awaiting dispatch.
type queuedEvent struct {
	ev    *event.Event
	index int
}

type eventHeap []*queuedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].ev.Priority != h[j].ev.Priority {
		return h[i].ev.Priority > h[j].ev.Priority
	}
	return h[i].ev.Sequence < h[j].ev.Sequence
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	item := x.(*queuedEvent)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

type subscription struct {
	id      string
	kind    event.Kind
	handler Handler
	ch      chan *event.Event
	done    chan struct{}
}

// MemoryEventBus is the default, in-process EventBus backend. It
// generalizes internal/events/bus's MemoryEventBus from a string-subject
// pub/sub to a closed event-kind, priority-ordered one with a recorder
// write on the synchronous publish path.
type MemoryEventBus struct {
	mu       sync.Mutex
	closed   bool
	seq      uint64
	maxQueue int

	heap eventHeap
	cond *sync.Cond

	subsByKind map[event.Kind][]*subscription
	subsByID   map[string]*subscription

	recorder Recorder
	schema   *event.SchemaRegistry
	logger   *logger.Logger

	dispatchDeadline time.Duration
	wg               sync.WaitGroup
	stopDispatch     chan struct{}
}

// NewMemoryEventBus constructs a bus with a bounded admission queue of
// maxQueue events (0 means unbounded). recorder and schema may be nil.
func NewMemoryEventBus(maxQueue int, recorder Recorder, schema *event.SchemaRegistry, log *logger.Logger) *MemoryEventBus {
	b := &MemoryEventBus{
		maxQueue:         maxQueue,
		subsByKind:       make(map[event.Kind][]*subscription),
		subsByID:         make(map[string]*subscription),
		recorder:         recorder,
		schema:           schema,
		logger:           log.WithFields(zap.String("component", "bus")),
		dispatchDeadline: DefaultDispatchDeadline,
		stopDispatch:     make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	heap.Init(&b.heap)
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

func (b *MemoryEventBus) Publish(ctx context.Context, kind event.Kind, sourceID string, payload any, priority event.Priority, metadata map[string]string) (uint64, error) {
	if err := b.schema.Validate(&event.Event{Kind: kind, Payload: payload}); err != nil {
		return 0, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBusClosed
	}
	if b.maxQueue > 0 && len(b.heap) >= b.maxQueue {
		b.mu.Unlock()
		return 0, ErrQueueFull
	}
	b.seq++
	seq := b.seq
	b.mu.Unlock()

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

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBusClosed
	}
	heap.Push(&b.heap, &queuedEvent{ev: ev})
	qlen := len(b.heap)
	b.cond.Signal()
	b.mu.Unlock()

	kernelmetrics.ObserveEvent(kind)
	kernelmetrics.EventQueueLength.Set(float64(qlen))

	return seq, nil
}

func (b *MemoryEventBus) Subscribe(kind event.Kind, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBusClosed
	}
	sub := &subscription{
		id:      uuid.New().String(),
		kind:    kind,
		handler: handler,
		ch:      make(chan *event.Event, DefaultSubscriberBacklog),
		done:    make(chan struct{}),
	}
	b.subsByKind[kind] = append(b.subsByKind[kind], sub)
	b.subsByID[sub.id] = sub
	b.wg.Add(1)
	go b.runSubscriber(sub)
	return sub.id, nil
}

func (b *MemoryEventBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subsByID[subscriptionID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownSubscription
	}
	delete(b.subsByID, subscriptionID)
	list := b.subsByKind[sub.kind]
	for i, s := range list {
		if s.id == subscriptionID {
			b.subsByKind[sub.kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	close(sub.done)
	return nil
}

func (b *MemoryEventBus) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.heap)
}

func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopDispatch)
	b.cond.Broadcast()
	subs := make([]*subscription, 0, len(b.subsByID))
	for _, s := range b.subsByID {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
	b.wg.Wait()
	return nil
}

// dispatchLoop pops the globally highest-priority, lowest-sequence
// event and fans it out to every subscriber registered for its kind,
// in registration order. A single global order is a stronger
// guarantee than the per-kind order the contract requires, which
// keeps the implementation simple without violating it.
func (b *MemoryEventBus) dispatchLoop() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for len(b.heap) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed && len(b.heap) == 0 {
			b.mu.Unlock()
			return
		}
		qe := heap.Pop(&b.heap).(*queuedEvent)
		subs := append([]*subscription(nil), b.subsByKind[qe.ev.Kind]...)
		b.mu.Unlock()

		for _, sub := range subs {
			select {
			case sub.ch <- qe.ev:
			default:
				b.logger.Warn("subscriber backlog full, dropping event",
					zap.String("subscription_id", sub.id),
					zap.String("kind", string(qe.ev.Kind)))
			}
		}
	}
}

// runSubscriber serializes delivery to a single handler so it always
// observes its events in the order the dispatch loop sent them.
func (b *MemoryEventBus) runSubscriber(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.ch:
			b.invoke(sub, ev)
		}
	}
}

func (b *MemoryEventBus) invoke(sub *subscription, ev *event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.dispatchDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errRecovered(r)
			}
		}()
		done <- sub.handler(ctx, ev)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.logger.Error("handler returned error",
				zap.String("subscription_id", sub.id),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	case <-ctx.Done():
		b.logger.Warn("handler exceeded dispatch deadline, abandoning",
			zap.String("subscription_id", sub.id),
			zap.String("kind", string(ev.Kind)))
	}
}

type recoveredPanic struct{ v any }

func (r recoveredPanic) Error() string { return "handler panic" }

func errRecovered(v any) error { return recoveredPanic{v: v} }
