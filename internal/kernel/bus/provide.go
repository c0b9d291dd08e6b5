package bus

import (
	"fmt"
	"strings"

	"github.com/kandev/agentkernel/internal/common/config"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/event"
)

// Provide builds the configured EventBus backend, generalizing the
// teacher's events.Provide factory to the kernel's Backend setting
// rather than inferring it from whether a NATS URL is set.
func Provide(cfg *config.Config, recorder Recorder, schema *event.SchemaRegistry, log *logger.Logger) (EventBus, error) {
	switch strings.ToLower(cfg.Kernel.EventBus.Backend) {
	case "nats":
		natsBus, err := NewNATSEventBus(cfg.NATS, recorder, schema, log)
		if err != nil {
			return nil, fmt.Errorf("bus: initialize nats backend: %w", err)
		}
		return natsBus, nil
	case "memory", "":
		return NewMemoryEventBus(cfg.Kernel.EventBus.MaxQueue, recorder, schema, log), nil
	default:
		return nil, fmt.Errorf("bus: unknown backend %q", cfg.Kernel.EventBus.Backend)
	}
}
