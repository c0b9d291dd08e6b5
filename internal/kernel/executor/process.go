package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/creack/pty"
	"github.com/kandev/agentkernel/internal/common/logger"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/kernel/task"
)

// ProcessPayload is the expected shape of a task payload routed to
// the "process.run" kind.
type ProcessPayload struct {
	Command string
	Args    []string
}

// ProcessExecutor runs a task's payload as a local subprocess attached
// to a pty, grounded on the teacher's standalone/local executor path.
// It requires terminal.execute since it spawns a local process.
type ProcessExecutor struct {
	logger *logger.Logger
}

func NewProcessExecutor(log *logger.Logger) *ProcessExecutor {
	return &ProcessExecutor{logger: log.WithFields(zap.String("component", "process_executor"))}
}

func (e *ProcessExecutor) RequiredCapabilities() []string {
	return []string{"terminal.execute"}
}

func (e *ProcessExecutor) Execute(ctx context.Context, t *task.Task) (any, error) {
	payload, ok := t.Payload.(ProcessPayload)
	if !ok {
		return nil, fmt.Errorf("process executor: unexpected payload type %T", t.Payload)
	}

	cmd := exec.CommandContext(ctx, payload.Command, payload.Args...)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("process executor: start: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(&buf, f)
		copyDone <- err
	}()

	waitErr := cmd.Wait()
	<-copyDone

	if waitErr != nil {
		return nil, fmt.Errorf("process executor: %w", waitErr)
	}
	return buf.String(), nil
}
