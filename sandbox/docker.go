package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const execPollInterval = 10 * time.Millisecond

// DockerSubstrate implements Substrate with the Docker Engine API
type DockerSubstrate struct {
	client *client.Client
}

// NewDockerSubstrate connects to the daemon at host, or to the one described by
// DOCKER_HOST and friends when host is empty. Extra client options are applied
// last. No request is made until first use.
func NewDockerSubstrate(host string, extra ...client.Opt) (*DockerSubstrate, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	opts = append(opts, extra...)

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerSubstrate{client: cli}, nil
}

// Close releases the underlying client
func (d *DockerSubstrate) Close() error {
	return d.client.Close()
}

// Ping checks that the daemon is reachable
func (d *DockerSubstrate) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSubstrateUnavailable, err)
	}
	return nil
}

// Create creates a stopped container without network access
func (d *DockerSubstrate) Create(ctx context.Context, spec Spec) (string, error) {
	pidsLimit := spec.PidsLimit
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             spec.Env,
		WorkingDir:      spec.WorkDir,
		Labels:          spec.Labels,
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges:true"},
		CapDrop:     []string{"ALL"},
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			CPUPeriod:  spec.CPUPeriod,
			CPUQuota:   spec.CPUQuota,
			PidsLimit:  &pidsLimit,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return "", err
	}
	return resp.ID, nil
}

// Start starts the container's idle process
func (d *DockerSubstrate) Start(ctx context.Context, id string) error {
	return d.client.ContainerStart(ctx, id, container.StartOptions{})
}

// CopyTo extracts a tar archive into dir inside the container
func (d *DockerSubstrate) CopyTo(ctx context.Context, id, dir string, archive io.Reader) error {
	return d.client.CopyToContainer(ctx, id, dir, archive, container.CopyToContainerOptions{})
}

// Exec runs argv in the container and demultiplexes its output streams
func (d *DockerSubstrate) Exec(ctx context.Context, id string, argv []string, workdir string) (ExecOutput, error) {
	exec, err := d.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecOutput{}, fmt.Errorf("failed to create exec: %w", err)
	}

	hijacked, err := d.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecOutput{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer hijacked.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, hijacked.Reader)
		copied <- copyErr
	}()

	// The hijacked connection ignores ctx once established; closing it
	// unblocks the copy.
	select {
	case err = <-copied:
	case <-ctx.Done():
		hijacked.Close()
		<-copied
		return ExecOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	}
	if err != nil {
		return ExecOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, fmt.Errorf("failed to read exec output: %w", err)
	}

	for {
		inspect, err := d.client.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return ExecOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return ExecOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: inspect.ExitCode}, nil
		}
		select {
		case <-ctx.Done():
			return ExecOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

// Stop stops the container, killing it after grace
func (d *DockerSubstrate) Stop(ctx context.Context, id string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	return d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

// Remove deletes the container
func (d *DockerSubstrate) Remove(ctx context.Context, id string, force bool) error {
	return d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
}

// ListManaged lists containers carrying the managed label, running or not
func (d *DockerSubstrate) ListManaged(ctx context.Context) ([]Environment, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	envs := make([]Environment, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		envs = append(envs, Environment{
			ID:      c.ID,
			Name:    name,
			Created: time.Unix(c.Created, 0),
		})
	}
	return envs, nil
}
