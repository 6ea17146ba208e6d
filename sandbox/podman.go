package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const execEngineFailure = 125

// PodmanSubstrate implements Substrate by driving a container CLI. It targets
// podman but works with the docker binary too, as only the shared command set
// is used.
type PodmanSubstrate struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// PodmanSubstrateOption defines a functional option for PodmanSubstrate
type PodmanSubstrateOption func(*PodmanSubstrate)

// WithPodmanCommandRunner sets the CommandRunner for PodmanSubstrate
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanSubstrateOption {
	return func(p *PodmanSubstrate) {
		p.cmdRunner = cmdRunner
	}
}

// NewPodmanSubstrate creates a PodmanSubstrate invoking binary
func NewPodmanSubstrate(logger *zap.Logger, binary string, opts ...PodmanSubstrateOption) *PodmanSubstrate {
	p := &PodmanSubstrate{
		logger:    logger,
		binary:    binary,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Ping checks that the CLI can reach its engine
func (p *PodmanSubstrate) Ping(ctx context.Context) error {
	if _, err := p.run(ctx, nil, "info"); err != nil {
		return fmt.Errorf("%w: %w", ErrSubstrateUnavailable, err)
	}
	return nil
}

// Create creates a stopped container without network access
func (p *PodmanSubstrate) Create(ctx context.Context, spec Spec) (string, error) {
	args := []string{
		"create",
		"--name", spec.Name,
		"--network", "none",
		"--workdir", spec.WorkDir,
		"--memory", fmt.Sprintf("%db", spec.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%db", spec.MemoryBytes),
		"--cpu-period", strconv.FormatInt(spec.CPUPeriod, 10),
		"--cpu-quota", strconv.FormatInt(spec.CPUQuota, 10),
		"--pids-limit", strconv.FormatInt(spec.PidsLimit, 10),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--pull", "never",
	}

	labels := make([]string, 0, len(spec.Labels))
	for k, v := range spec.Labels {
		labels = append(labels, k+"="+v)
	}
	sort.Strings(labels)
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	for _, env := range spec.Env {
		args = append(args, "--env", env)
	}

	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	stdout, err := p.run(ctx, nil, args...)
	if err != nil {
		if isImageMissing(err.Error()) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return "", err
	}

	id := strings.TrimSpace(string(stdout))
	if id == "" {
		return "", fmt.Errorf("%s create returned no container id", p.binary)
	}
	return id, nil
}

// Start starts the container's idle process
func (p *PodmanSubstrate) Start(ctx context.Context, id string) error {
	_, err := p.run(ctx, nil, "start", id)
	return err
}

// CopyTo streams a tar archive into dir inside the container
func (p *PodmanSubstrate) CopyTo(ctx context.Context, id, dir string, archive io.Reader) error {
	_, err := p.run(ctx, archive, "cp", "-", id+":"+dir)
	return err
}

// Exec runs argv in the container. A non-zero exit code is the command's own
// outcome and is not an error.
func (p *PodmanSubstrate) Exec(ctx context.Context, id string, argv []string, workdir string) (ExecOutput, error) {
	args := append([]string{p.binary, "exec", "--workdir", workdir, id}, argv...)

	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, nil, args)
	out := ExecOutput{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if err != nil {
		return out, err
	}
	// exec reserves 125 for its own failures, e.g. the container is gone.
	if exitCode == execEngineFailure {
		return out, fmt.Errorf("%s exec failed with code %d: %s", p.binary, exitCode, bytes.TrimSpace(stderr))
	}
	return out, nil
}

// Stop stops the container, killing it after grace
func (p *PodmanSubstrate) Stop(ctx context.Context, id string, grace time.Duration) error {
	_, err := p.run(ctx, nil, "stop", "--time", strconv.Itoa(int(grace.Seconds())), id)
	return err
}

// Remove deletes the container
func (p *PodmanSubstrate) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	_, err := p.run(ctx, nil, append(args, id)...)
	return err
}

// ListManaged lists containers carrying the managed label, running or not
func (p *PodmanSubstrate) ListManaged(ctx context.Context) ([]Environment, error) {
	stdout, err := p.run(ctx, nil, "ps", "--all", "--quiet", "--no-trunc", "--filter", "label="+ManagedLabel+"=true")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := strings.Fields(string(stdout))
	if len(ids) == 0 {
		return nil, nil
	}

	format := fmt.Sprintf(`{{.Id}} {{.Name}} {{index .Config.Labels %q}}`, CreatedLabel)
	stdout, err = p.run(ctx, nil, append([]string{"inspect", "--format", format}, ids...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect containers: %w", err)
	}

	var envs []Environment
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			p.logger.Warn("skipping unparsable inspect line", zap.String("line", line))
			continue
		}
		unix, parseErr := strconv.ParseInt(fields[2], 10, 64)
		if parseErr != nil {
			p.logger.Warn("skipping container with invalid created label",
				zap.String("container", fields[0]), zap.Error(parseErr))
			continue
		}
		envs = append(envs, Environment{
			ID:      fields[0],
			Name:    strings.TrimPrefix(fields[1], "/"),
			Created: time.Unix(unix, 0),
		})
	}
	return envs, nil
}

// run invokes the CLI and turns a non-zero exit into an error carrying stderr
func (p *PodmanSubstrate) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	cmdArgs := append([]string{p.binary}, args...)

	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, stdin, cmdArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s %s: %w", p.binary, args[0], err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%s %s exited with code %d: %s",
			p.binary, args[0], exitCode, string(bytes.TrimSpace(stderr)))
	}
	return stdout, nil
}

func isImageMissing(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"no such image", "image not known", "unable to find image", "image not found"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
