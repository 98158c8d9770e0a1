package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	ExitCode int64
	Output   string
}

// ExitError reports a command that exited non-zero.
type ExitError struct {
	Image    string
	ExitCode int64
	Output   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command in %s exited with code %d", e.Image, e.ExitCode)
}

// Exec runs cmd in a fresh container of imageName, copying its output to out.
// The container is removed afterwards whatever the outcome.
func (m *Manager) Exec(ctx context.Context, imageName string, cmd []string, out io.Writer) (*ExecResult, error) {
	if !m.available {
		return nil, ErrDockerUnavailable
	}
	if out == nil {
		out = io.Discard
	}

	name := NewName("exec")
	log := m.log.WithFields(logrus.Fields{
		"action":    "exec",
		"image":     imageName,
		"container": name,
	})

	resp, err := m.client.ContainerCreate(ctx, &container.Config{
		Image:        imageName,
		Cmd:          cmd,
		WorkingDir:   "/app",
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			LabelManagedBy: managedByValue,
		},
	}, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.WithError(err).Warn("failed to remove exec container")
		}
	}()

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := m.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	var captured bytes.Buffer
	w := io.MultiWriter(out, &captured)
	_, err = stdcopy.StdCopy(w, w, logs)
	logs.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}

	waitCh, errCh := m.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var status container.WaitResponse
	select {
	case status = <-waitCh:
	case err := <-errCh:
		return nil, fmt.Errorf("failed to wait for container: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if status.Error != nil {
		return nil, fmt.Errorf("container wait: %s", status.Error.Message)
	}

	result := &ExecResult{ExitCode: status.StatusCode, Output: captured.String()}
	log.WithField("exit_code", status.StatusCode).Debug("exec finished")
	if status.StatusCode != 0 {
		return result, &ExitError{Image: imageName, ExitCode: status.StatusCode, Output: result.Output}
	}
	return result, nil
}
