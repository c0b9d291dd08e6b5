package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kandev/agentkernel/internal/kernel/bus"
	"github.com/kandev/agentkernel/internal/kernel/event"
)

// Replayer loads a recorded session log and replays it deterministically
// against an in-memory bus, per spec.md §4.8's determinism contract.
type Replayer struct {
	header   SessionHeader
	events   []RecordedEvent
	position int
}

// Load reads the full session log at path: the first line is the
// header, every subsequent line a RecordedEvent.
func Load(path string) (*Replayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	defer f.Close()

	r := &Replayer{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			if err := json.Unmarshal(line, &r.header); err != nil {
				return nil, fmt.Errorf("recorder: parse header: %w", err)
			}
			first = false
			continue
		}
		var re RecordedEvent
		if err := json.Unmarshal(line, &re); err != nil {
			return nil, fmt.Errorf("recorder: parse event: %w", err)
		}
		r.events = append(r.events, re)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("recorder: read %s: %w", path, err)
	}
	return r, nil
}

// Header returns the session header read from the log.
func (r *Replayer) Header() SessionHeader { return r.header }

// EventCount returns the total number of recorded events.
func (r *Replayer) EventCount() int { return len(r.events) }

// Position returns the replayer's current cursor.
func (r *Replayer) Position() int { return r.position }

// Seek moves the cursor to an arbitrary sequence position, clamped to
// the log's bounds.
func (r *Replayer) Seek(position int) {
	if position < 0 {
		position = 0
	}
	if position > len(r.events) {
		position = len(r.events)
	}
	r.position = position
}

// Next returns the next recorded event and advances the cursor, or nil
// if the log is exhausted.
func (r *Replayer) Next() *RecordedEvent {
	if r.position >= len(r.events) {
		return nil
	}
	e := &r.events[r.position]
	r.position++
	return e
}

// ByKind returns every recorded event of the given kind, in original
// sequence order.
func (r *Replayer) ByKind(kind event.Kind) []RecordedEvent {
	var out []RecordedEvent
	for _, re := range r.events {
		if re.Event.Kind == kind {
			out = append(out, re)
		}
	}
	return out
}

// InRange returns every recorded event whose timestamp falls within
// [start, end], inclusive.
func (r *Replayer) InRange(start, end time.Time) []RecordedEvent {
	var out []RecordedEvent
	for _, re := range r.events {
		if !re.Timestamp.Before(start) && !re.Timestamp.After(end) {
			out = append(out, re)
		}
	}
	return out
}

// Run re-dispatches every recorded event, from the current position,
// through eb in original order. eb is expected to be an instrumented
// bus whose handlers run in-memory only, per spec.md §4.8 — Run itself
// performs no side effects beyond calling Publish.
func (r *Replayer) Run(ctx context.Context, eb bus.EventBus) error {
	for {
		re := r.Next()
		if re == nil {
			return nil
		}
		if _, err := eb.Publish(ctx, re.Event.Kind, re.Event.SourceID, re.Event.Payload, re.Event.Priority, re.Event.Metadata); err != nil {
			return fmt.Errorf("recorder: replay event %d: %w", re.Sequence, err)
		}
	}
}
