package evaluator

import (
	"context"
	"os"
	"os/exec"
)

// Runner executes the evaluator with stdin and stdout bound to files.
type Runner interface {
	Run(ctx context.Context, stdin, stdout *os.File) error
}

// ExecRunner runs an external command.
type ExecRunner struct {
	Command string
	Args    []string
	Dir     string
}

// Run starts the command and waits for it. The context deadline kills the
// process.
func (r *ExecRunner) Run(ctx context.Context, stdin, stdout *os.File) error {
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = r.Dir
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	// Stderr goes to the null device.
	cmd.Stderr = nil
	cmd.WaitDelay = waitDelay
	return cmd.Run()
}

// Name identifies the runner as a reviewer.
func (r *ExecRunner) Name() string {
	return r.Command
}
