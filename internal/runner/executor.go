package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ExecutionResult holds what a finished process produced.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Executor runs a program and captures its streams.
type Executor struct {
	// Program is the executable to run.
	Program string

	// Env holds KEY=VALUE entries added on top of the inherited environment.
	Env []string
}

// Execute runs the program with args in dir.
//
// A non-zero exit is reported through ExitCode, not as an error. An error
// means the process could not be started or ctx ended first; in the latter
// case the whole process group is killed before returning.
func (e *Executor) Execute(ctx context.Context, dir string, args ...string) (*ExecutionResult, error) {
	if e.Program == "" {
		return nil, errors.New("executor: program is empty")
	}

	cmd := exec.Command(e.Program, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), e.Env...)
	// Own process group, so waf/ns3 wrappers and their children die together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.Program, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", e.Program, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}
