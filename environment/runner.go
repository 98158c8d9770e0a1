package environment

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
)

// Command is a subprocess invocation.
type Command struct {
	Path string
	Args []string
	// Env is added to the current process environment.
	Env []string
	Dir string
	// Stdout, when set, also receives the combined output as it is produced.
	Stdout io.Writer
}

// Runner executes subprocesses. Output is the combined stdout and stderr.
type Runner interface {
	Run(ctx context.Context, cmd Command) (output []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var buf bytes.Buffer
	var w io.Writer = &buf
	if c.Stdout != nil {
		w = io.MultiWriter(&buf, c.Stdout)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	return buf.Bytes(), err
}
