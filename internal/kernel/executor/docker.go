package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/kandev/agentkernel/internal/common/logger"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/kernel/task"
)

// DockerPayload is the expected shape of a task payload routed to the
// "container.run" kind: run Image with Cmd and capture stdout/stderr.
type DockerPayload struct {
	Image string
	Cmd   []string
	Env   []string
}

// DockerExecutor runs a task's payload as a one-shot container. It is
// a sample demonstrating the Executor Registry against a real
// side-effecting backend; it declares fs.write and net.http as
// required capabilities since an arbitrary container image can touch
// both.
type DockerExecutor struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerExecutor constructs an executor bound to a Docker daemon
// reachable via the standard client environment/host configuration.
func NewDockerExecutor(cli *client.Client, log *logger.Logger) *DockerExecutor {
	return &DockerExecutor{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker_executor")),
	}
}

func (e *DockerExecutor) RequiredCapabilities() []string {
	return []string{"fs.write", "net.http"}
}

func (e *DockerExecutor) Execute(ctx context.Context, t *task.Task) (any, error) {
	payload, ok := t.Payload.(DockerPayload)
	if !ok {
		return nil, fmt.Errorf("docker executor: unexpected payload type %T", t.Payload)
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: payload.Image,
		Cmd:   payload.Cmd,
		Env:   payload.Env,
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("docker executor: create: %w", err)
	}
	defer func() {
		_ = e.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("docker executor: start: %w", err)
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("docker executor: wait: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return nil, fmt.Errorf("docker executor: container %s exited with status %d", resp.ID, status.StatusCode)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	logs, err := e.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("docker executor: logs: %w", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, logs); err != nil && err != io.EOF {
		return nil, fmt.Errorf("docker executor: read logs: %w", err)
	}

	return buf.String(), nil
}
