// Package recorder implements the Session Recorder: an append-only
// jsonl log of every published event plus a header written once before
// the first event, and a Replayer for deterministic re-dispatch.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/event"
	"go.uber.org/zap"
)

const schemaVersion = "1.0"

// SessionConfig snapshots the kernel configuration in effect for the
// run being recorded.
type SessionConfig struct {
	MemoryBudgetMB    int    `json:"memory_budget_mb"`
	PolicyMode        string `json:"policy_mode"`
	MaxConcurrentTask int    `json:"max_concurrent_tasks"`
}

// SessionHeader is written exactly once, before the first recorded
// event.
type SessionHeader struct {
	Version       string            `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	KernelVersion string            `json:"kernel_version"`
	Config        SessionConfig     `json:"config"`
	ModelVersions map[string]string `json:"model_versions"`
	Seed          uint64            `json:"seed"`
}

// RecordedEvent wraps a published Event as persisted to the log. The
// sequence is duplicated from the event itself so a corrupted or
// partially-rewritten payload field never desyncs the log's ordering
// key from the one readers index on.
type RecordedEvent struct {
	Sequence  uint64      `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
	Event     event.Event `json:"event"`
}

// SessionRecorder is an append-only jsonl writer implementing
// bus.Recorder. Recorder I/O failure is fatal to the kernel (spec.md
// §7): callers are expected to transition the kernel to Stopping on a
// non-nil Append error rather than retry.
type SessionRecorder struct {
	mu            sync.Mutex
	f             *os.File
	w             *bufio.Writer
	headerWritten bool
	kernelVersion string
	config        SessionConfig
	modelVersions map[string]string
	seed          uint64
	logger        *logger.Logger
}

// Option configures a SessionRecorder before the header is written.
type Option func(*SessionRecorder)

// WithModelVersion records a model's version string in the header for
// replay reproducibility.
func WithModelVersion(model, version string) Option {
	return func(r *SessionRecorder) { r.modelVersions[model] = version }
}

// WithSeed sets the run's random seed. If never called, New generates
// one from crypto/rand so every un-configured run is still uniquely
// identifiable in its header.
func WithSeed(seed uint64) Option {
	return func(r *SessionRecorder) { r.seed = seed }
}

// New opens path for writing (truncating any existing file) and
// returns a SessionRecorder configured with cfg.
func New(path, kernelVersion string, cfg SessionConfig, log *logger.Logger, opts ...Option) (*SessionRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	r := &SessionRecorder{
		f:             f,
		w:             bufio.NewWriter(f),
		kernelVersion: kernelVersion,
		config:        cfg,
		modelVersions: make(map[string]string),
		seed:          randomSeed(),
		logger:        log.WithFields(zap.String("component", "session_recorder")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Append writes ev to the log, preceding it with the session header if
// this is the first call. Implements bus.Recorder.
func (r *SessionRecorder) Append(ev *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.headerWritten {
		header := SessionHeader{
			Version:       schemaVersion,
			CreatedAt:     time.Now().UTC(),
			KernelVersion: r.kernelVersion,
			Config:        r.config,
			ModelVersions: r.modelVersions,
			Seed:          r.seed,
		}
		if err := r.writeLine(header); err != nil {
			return fmt.Errorf("recorder: write header: %w", err)
		}
		r.headerWritten = true
	}

	recorded := RecordedEvent{
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Event:     *ev,
	}
	if err := r.writeLine(recorded); err != nil {
		return fmt.Errorf("recorder: write event %d: %w", ev.Sequence, err)
	}
	return nil
}

func (r *SessionRecorder) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := r.w.Write(b); err != nil {
		return err
	}
	if err := r.w.WriteByte('\n'); err != nil {
		return err
	}
	return r.w.Flush()
}

// Close flushes and closes the underlying file.
func (r *SessionRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
