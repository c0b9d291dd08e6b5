package kernelapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/event"
	"github.com/kandev/agentkernel/internal/kernel/lifecycle"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	clientBacklog  = 256
)

// streamedKinds is every event kind the stream endpoint tails; the bus
// has no wildcard subscription so the stream subscribes to each kind
// individually and fans them into one client channel.
var streamedKinds = []event.Kind{
	event.KernelShutdown, event.KernelPause, event.KernelResume,
	event.TaskRequested, event.TaskStarted, event.TaskCompleted, event.TaskFailed,
	event.PlanProposed, event.PlanQueued, event.PlanApproved, event.PlanRejected, event.PlanExecuted,
	event.ModelLoad, event.ModelUnload, event.ModelCall, event.ModelResponse,
	event.AgentSpawn, event.AgentTerminate, event.AgentHeartbeat, event.AgentError,
	event.MemorySwap, event.MemoryPressure,
	event.ModuleInstall, event.ModuleLoad, event.ModuleUnload, event.ModuleError,
	event.Error,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wireEvent is the JSON frame pushed to a streaming client.
type wireEvent struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	SourceID  string            `json:"source_id"`
	Timestamp time.Time         `json:"timestamp"`
	Priority  string            `json:"priority"`
	Sequence  uint64            `json:"sequence"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func toWireEvent(ev *event.Event) wireEvent {
	return wireEvent{
		ID:        ev.ID,
		Kind:      string(ev.Kind),
		SourceID:  ev.SourceID,
		Timestamp: ev.Timestamp,
		Priority:  ev.Priority.String(),
		Sequence:  ev.Sequence,
		Metadata:  ev.Metadata,
	}
}

// StreamHandler upgrades HTTP connections to a read-only tail of the
// kernel's published events, grounded on the teacher's gorilla
// websocket client read/write pump pattern.
type StreamHandler struct {
	kernel *lifecycle.Kernel
	logger *logger.Logger
}

// NewStreamHandler constructs a StreamHandler bound to kernel's bus.
func NewStreamHandler(k *lifecycle.Kernel, log *logger.Logger) *StreamHandler {
	return &StreamHandler{kernel: k, logger: log.WithFields(zap.String("component", "kernelapi_stream"))}
}

// StreamEvents upgrades the connection and tails every event kind
// published on the kernel's bus until the client disconnects.
// GET /v1/events/stream
func (h *StreamHandler) StreamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	send := make(chan []byte, clientBacklog)
	forward := func(_ context.Context, ev *event.Event) error {
		data, err := json.Marshal(toWireEvent(ev))
		if err != nil {
			return err
		}
		select {
		case send <- data:
		default:
			h.logger.Warn("stream client backlog full, dropping event", zap.String("kind", string(ev.Kind)))
		}
		return nil
	}

	subIDs := make([]string, 0, len(streamedKinds))
	for _, kind := range streamedKinds {
		id, err := h.kernel.Bus.Subscribe(kind, forward)
		if err != nil {
			h.logger.Error("failed to subscribe stream client", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		subIDs = append(subIDs, id)
	}

	defer func() {
		for _, id := range subIDs {
			_ = h.kernel.Bus.Unsubscribe(id)
		}
	}()

	done := make(chan struct{})
	go h.writePump(conn, send, done)
	h.readPump(conn, done)
}

// readPump only exists to observe the client's close/pong frames; the
// stream is one-directional so any client message is ignored.
func (h *StreamHandler) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := conn.Close(); err != nil {
			h.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Debug("failed to set read deadline", zap.Error(err))
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *StreamHandler) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() {
		if err := conn.Close(); err != nil {
			h.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	for {
		select {
		case <-done:
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
