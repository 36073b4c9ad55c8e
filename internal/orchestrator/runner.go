package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// StepRunner executes shell steps inside one build's workspace. Step stdout
// and stderr both go to the build log.
type StepRunner struct {
	Dir    string
	Output io.Writer
	Env    []string
}

// Run executes one step through the shell. A non-zero exit is an error naming
// the exit code; a cancelled context surfaces as the context error so callers
// can tell an abort from a failure.
func (r *StepRunner) Run(ctx context.Context, step string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", step)
	cmd.Dir = r.Dir
	cmd.Stdout = r.Output
	cmd.Stderr = r.Output
	cmd.Env = append(os.Environ(), r.Env...)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if exit, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("step exited with code %d", exit.ExitCode())
		}
		return fmt.Errorf("run step: %w", err)
	}
	return nil
}
