package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the parent environment
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandOutput is the captured result of a finished subprocess.
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner abstracts subprocess execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandOutput, error)
}

// ExecRunner runs commands with os/exec. Cancelling ctx kills the whole
// process group so agent CLIs don't leave orphaned children behind.
type ExecRunner struct {
	// WaitDelay bounds how long to wait for pipes after the kill.
	WaitDelay time.Duration
}

func (e *ExecRunner) Run(ctx context.Context, c Command) (CommandOutput, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	out := CommandOutput{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		out.ExitCode = -1
		if ctx.Err() != nil {
			return out, fmt.Errorf("%s: %w", c.Name, context.Cause(ctx))
		}
		return out, fmt.Errorf("exec %s: %w", c.Name, err)
	}
	return out, nil
}

// Invocation is a stage's call into an external collaborator.
type Invocation struct {
	Command Command
	// SuccessCodes lists non-zero exit codes that still mean success.
	SuccessCodes []int
}

// Invoke runs inv and maps the exit status onto a Result. Exit code zero,
// or any code in SuccessCodes, is success; anything else is a failure
// carrying the tail of stderr (or stdout when stderr is empty).
func Invoke(ctx context.Context, runner CommandRunner, stageName string, inv Invocation) Result {
	start := time.Now()
	out, err := runner.Run(ctx, inv.Command)
	elapsed := time.Since(start)
	if err != nil {
		return Failed(fmt.Sprintf("%s: command did not complete", stageName), err.Error()).WithDuration(elapsed)
	}

	if out.ExitCode == 0 || containsInt(inv.SuccessCodes, out.ExitCode) {
		msg := fmt.Sprintf("%s completed", stageName)
		if out.ExitCode != 0 {
			msg = fmt.Sprintf("%s completed (exit %d accepted)", stageName, out.ExitCode)
		}
		return Completed(msg).WithDuration(elapsed)
	}

	detail := strings.TrimSpace(out.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(out.Stdout)
	}
	if detail == "" {
		detail = fmt.Sprintf("exit code %d", out.ExitCode)
	}
	return Failed(fmt.Sprintf("%s failed with exit code %d", stageName, out.ExitCode), detail).WithDuration(elapsed)
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
