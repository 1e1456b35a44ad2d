package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// images maps runtime labels to pinned images; kept in sync with
// criteria.Runtimes.
var images = map[string]string{
	"python:3.13": "python:3.13-slim",
	"python:3.12": "python:3.12-slim",
	"node:20":     "node:20-slim",
	"node:22":     "node:22-slim",
	"bash:5":      "bash:5",
	"ruby:3.3":    "ruby:3.3-slim",
}

// DockerRunner runs scripts through the Docker Engine API.
type DockerRunner struct {
	cli *client.Client
	log *slog.Logger
}

func NewDockerRunner(log *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &DockerRunner{cli: cli, log: log}, nil
}

// Run materializes the script and deliverable into a read-only input
// directory, starts the container under the resource caps, and waits for
// exit or the wall-clock timeout.
func (d *DockerRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	image, ok := images[spec.Runtime]
	if !ok {
		return Result{}, fmt.Errorf("unsupported runtime %q", spec.Runtime)
	}
	script, err := DecodeScript(spec.ScriptBase64)
	if err != nil {
		return Result{}, err
	}

	inputDir, err := os.MkdirTemp("", "verify-")
	if err != nil {
		return Result{}, fmt.Errorf("create input dir: %w", err)
	}
	defer os.RemoveAll(inputDir)

	deliverable := spec.Deliverable
	if len(deliverable) == 0 {
		deliverable = []byte("null")
	}
	if err := os.WriteFile(filepath.Join(inputDir, "result.json"), deliverable, 0o444); err != nil {
		return Result{}, fmt.Errorf("write deliverable: %w", err)
	}
	if err := os.WriteFile(filepath.Join(inputDir, "verify"), script, 0o555); err != nil {
		return Result{}, fmt.Errorf("write script: %w", err)
	}

	name := "verify-" + uuid.New().String()[:12]
	pidsLimit := int64(256)

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           image,
			Cmd:             append(commandFor(spec.Runtime), "/input/result.json"),
			User:            "65534:65534",
			NetworkDisabled: true,
			Env:             []string{"HOME=/tmp"},
		},
		&container.HostConfig{
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			CapDrop:        strslice.StrSlice{"ALL"},
			SecurityOpt:    []string{"no-new-privileges:true"},
			Binds:          []string{inputDir + ":/input:ro"},
			Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=32m"},
			Resources: container.Resources{
				Memory:     spec.MemoryMB * 1024 * 1024,
				MemorySwap: spec.MemoryMB * 1024 * 1024,
				NanoCPUs:   1_000_000_000,
				PidsLimit:  &pidsLimit,
			},
		},
		nil, nil, name)
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			d.log.Warn("remove sandbox container failed", "container", name, "error", err)
		}
	}()

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()
	statusCh, errCh := d.cli.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)

	var exitCode int
	timedOut := false
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if waitCtx.Err() == nil {
			return Result{}, fmt.Errorf("wait container: %w", err)
		}
		timedOut = true
	case <-waitCtx.Done():
		timedOut = true
	}
	duration := time.Since(start)

	if timedOut {
		killCtx, cancelKill := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelKill()
		if err := d.cli.ContainerKill(killCtx, created.ID, "KILL"); err != nil {
			d.log.Warn("kill timed-out container failed", "container", name, "error", err)
		}
		return Result{ExitCode: -1, Stderr: "execution timed out", Duration: duration, TimedOut: true}, nil
	}

	stdout, stderr := d.collectLogs(ctx, created.ID)
	return Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
	}, nil
}

func (d *DockerRunner) collectLogs(ctx context.Context, containerID string) (string, string) {
	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		d.log.Warn("collect sandbox logs failed", "container", containerID, "error", err)
		return "", ""
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(
		&cappedWriter{w: &stdout, limit: MaxCaptureBytes},
		&cappedWriter{w: &stderr, limit: MaxCaptureBytes},
		reader,
	)
	return stdout.String(), stderr.String()
}

// cappedWriter discards bytes past the capture limit.
type cappedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.n >= c.limit {
		return len(p), nil
	}
	take := p
	if c.n+len(p) > c.limit {
		take = p[:c.limit-c.n]
	}
	written, err := c.w.Write(take)
	c.n += written
	if err != nil {
		return written, err
	}
	return len(p), nil
}
