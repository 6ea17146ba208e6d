package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// Substrate errors
var (
	ErrSubstrateUnavailable = errors.New("isolation substrate unavailable")
	ErrImageNotFound        = errors.New("image not found")
	ErrProvisionFailure     = errors.New("failed to provision sandbox")
)

// Sandbox constants
const (
	WorkDir      = "/workspace"
	ManagedLabel = "runbox.managed"
	CreatedLabel = "runbox.created"
	NamePrefix   = "runbox-"

	// CPUPeriod is the CFS scheduling period in microseconds.
	CPUPeriod = 100000
)

// IdleCommand keeps a sandbox alive between injected commands.
var IdleCommand = []string{"sleep", "3600"}

// Spec describes an environment to create on the substrate. Networking is not
// configurable: every substrate creates environments without a network.
type Spec struct {
	Name        string
	Image       string
	WorkDir     string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	MemoryBytes int64
	CPUPeriod   int64
	CPUQuota    int64
	PidsLimit   int64
}

// ExecOutput is the raw outcome of a command executed by a substrate.
type ExecOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Environment is a substrate environment carrying the managed label.
type Environment struct {
	ID      string
	Name    string
	Created time.Time
}

// Substrate is the isolation mechanism sandboxes are built on. Implementations
// must be safe for concurrent use.
type Substrate interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, spec Spec) (id string, err error)
	Start(ctx context.Context, id string) error
	CopyTo(ctx context.Context, id, dir string, archive io.Reader) error
	Exec(ctx context.Context, id string, argv []string, workdir string) (ExecOutput, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	ListManaged(ctx context.Context) ([]Environment, error)
}

// Sandbox is one request-scoped environment. It is never reused.
type Sandbox struct {
	ID              string
	Name            string
	Image           string
	MemoryBytes     int64
	CPUQuota        float64
	NetworkDisabled bool
	WorkDir         string
	CreatedAt       time.Time
}

// CommandResult is the outcome of one command run inside a sandbox.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Elapsed  time.Duration
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, stdin io.Reader, args []string) (stdout, stderr []byte, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, stdin io.Reader, args []string) (stdout, stderr []byte, exitCode int, err error) {
	if len(args) < 1 {
		return nil, nil, 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Arguments are built by PodmanSubstrate, never from user input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), 0, ctxErr
		}
		if !errors.As(err, &exitError) {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), 0, err
		}
		exitCode = exitError.ExitCode()
	}

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode, nil
}
