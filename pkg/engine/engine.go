// Package engine invokes the external hydrology solver.
//
// The solver is a black box with a file contract: it reads an input
// model and writes a text report and a binary output file.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Engine runs one simulation
type Engine interface {
	Run(ctx context.Context, inpPath, rptPath, outPath string) error
}

// ExitError reports a solver that terminated unsuccessfully
type ExitError struct {
	Code   int
	Signal string
	Stderr string // tail of the solver's stderr
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("engine exited with code %d", e.Code)
	if e.Signal != "" {
		msg = "engine killed by " + e.Signal
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ErrNoOutput is returned when the solver exits cleanly without writing
// its binary output
var ErrNoOutput = errors.New("engine produced no output file")

const stderrTail = 512

// CLI runs a solver executable as "<Binary> <Args...> inp rpt out"
type CLI struct {
	Binary  string
	Args    []string
	Timeout time.Duration
}

// NewCLI creates a CLI engine for binary; empty falls back to runswmm
func NewCLI(binary string, timeout time.Duration) *CLI {
	if binary == "" {
		binary = "runswmm"
	}
	return &CLI{Binary: binary, Timeout: timeout}
}

// Run executes the solver and waits for it
func (c *CLI) Run(ctx context.Context, inpPath, rptPath, outPath string) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), c.Args...), inpPath, rptPath, outPath)
	cmd := exec.CommandContext(ctx, c.Binary, args...)

	// Own process group so cancellation also stops helper processes
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine %s: %w", c.Binary, err)
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("engine wait: %w", err)
		}
		e := &ExitError{Code: exitErr.ExitCode(), Stderr: tail(stderr.String(), stderrTail)}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			e.Signal = status.Signal().String()
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w (%v)", e, ctx.Err())
		}
		return e
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return ErrNoOutput
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
