package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Runner executes commands inside live sandboxes.
type Runner struct {
	substrate Substrate
	now       func() time.Time
}

// NewRunner creates a Runner backed by substrate
func NewRunner(substrate Substrate) *Runner {
	return &Runner{substrate: substrate, now: time.Now}
}

// Run executes argv in workdir (the sandbox working directory when empty) and
// reports stdout and stderr as separate streams. It imposes no deadline of its
// own; on a ctx error the partial output gathered so far is returned with it.
func (r *Runner) Run(ctx context.Context, sb *Sandbox, argv []string, workdir string) (CommandResult, error) {
	if len(argv) == 0 {
		return CommandResult{}, fmt.Errorf("no command provided")
	}
	if workdir == "" {
		workdir = sb.WorkDir
	}

	start := r.now()
	out, err := r.substrate.Exec(ctx, sb.ID, argv, workdir)
	res := CommandResult{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Elapsed:  r.now().Sub(start),
	}
	if err != nil {
		return res, fmt.Errorf("failed to exec %s in sandbox %s: %w", argv[0], sb.ID, err)
	}
	return res, nil
}
