package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// outputDelimiter separates stdout from stderr in the combined capture.
const outputDelimiter = "\n--- STDERR ---\n"

// cleanupTimeout bounds container removal. It is deliberately separate from
// the execution deadline so a timed-out job still gets cleaned up.
const cleanupTimeout = 10 * time.Second

// DockerRuntime implements Runtime against the Docker daemon.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects to the Docker daemon using the environment
// configuration (DOCKER_HOST et al).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnreachable, err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Close releases the client connection.
func (r *DockerRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks daemon reachability.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnreachable, err)
	}
	return nil
}

// EnsureImage pulls ref if it is not already present. Idempotent.
func (r *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := r.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageUnavailable, ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageUnavailable, ref, err)
	}
	return nil
}

// Run creates, starts and waits on a container, then collects its logs.
// The container is removed on every exit path.
func (r *DockerRuntime) Run(ctx context.Context, ref string, argv []string, limits Limits) (*Result, error) {
	if limits.MemoryBytes == 0 || limits.CPUQuota == 0 {
		defaults := DefaultLimits()
		if limits.MemoryBytes == 0 {
			limits.MemoryBytes = defaults.MemoryBytes
		}
		if limits.CPUQuota == 0 {
			limits.CPUQuota = defaults.CPUQuota
		}
	}

	result := &Result{StartedAt: time.Now()}

	if err := r.EnsureImage(ctx, ref); err != nil {
		return result, err
	}

	containerConfig := &container.Config{
		Image:        ref,
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostConfig := &container.HostConfig{
		AutoRemove: false, // removed manually after log capture
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes, // no swap beyond the memory limit
			CPUQuota:   limits.CPUQuota,
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrContainerCreateFailed, err)
	}
	containerID := resp.ID

	defer func() {
		// Cleanup runs under its own context: the execution deadline (or a
		// cancellation) must not leak containers.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		r.client.ContainerRemove(cleanupCtx, containerID, container.RemoveOptions{Force: true})
	}()

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return result, fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return result, fmt.Errorf("%w: wait: %v", ErrRuntimeUnreachable, err)
		}
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		return result, ctx.Err()
	}

	output, err := r.collectLogs(ctx, containerID)
	if err != nil {
		return result, err
	}
	result.CapturedOutput = output
	result.RuntimeSeconds = int(time.Since(result.StartedAt).Seconds())

	return result, nil
}

func (r *DockerRuntime) collectLogs(ctx context.Context, containerID string) (string, error) {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLogStreamBroken, err)
	}
	defer logs.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", fmt.Errorf("%w: %v", ErrLogStreamBroken, err)
	}

	return CombineOutput(stdout.String(), stderr.String()), nil
}

// CombineOutput interleaves stdout and stderr with a single delimiter when
// both are non-empty.
func CombineOutput(stdout, stderr string) string {
	switch {
	case stdout != "" && stderr != "":
		return stdout + outputDelimiter + stderr
	case stderr != "":
		return stderr
	default:
		return stdout
	}
}

var _ Runtime = (*DockerRuntime)(nil)
