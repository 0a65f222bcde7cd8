// Package programmer runs the external flashing tool (bossac) against a
// board that is already in bootloader mode.
package programmer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// maxStderr caps how much of the tool's standard error is kept.
const maxStderr = 64 * 1024

// CommandBuilder turns a device path and firmware path into a command line.
type CommandBuilder interface {
	ProgrammerCommand(devicePath, firmwarePath string) (name string, args []string)
}

// LaunchError means the tool could not be started at all.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError means the tool ran and exited with a nonzero status.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
	if s := lastLine(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Summary is the last line the tool wrote to standard error.
func (e *ExitError) Summary() string { return lastLine(e.Stderr) }

// Invoker runs the programmer synchronously.
type Invoker struct {
	builder CommandBuilder
	logger  *slog.Logger
}

// NewInvoker creates an Invoker.
func NewInvoker(builder CommandBuilder, logger *slog.Logger) *Invoker {
	return &Invoker{
		builder: builder,
		logger:  logger.With("component", "programmer"),
	}
}

// Flash writes firmwarePath to the board at devicePath and waits for the
// tool to exit. The child is never killed: interrupting a flash write can
// leave the board without a working bootloader, so ctx is only consulted
// before the process starts.
func (inv *Invoker) Flash(ctx context.Context, devicePath, firmwarePath string) error {
	name, args := inv.builder.ProgrammerCommand(devicePath, firmwarePath)
	if err := ctx.Err(); err != nil {
		return &LaunchError{Command: name, Err: err}
	}

	cmd := exec.Command(name, args...)
	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	inv.logger.Info("running programmer", "cmd", name, "args", strings.Join(args, " "))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		inv.logger.Error("programmer launch failed", "cmd", name, "err", err)
		return &LaunchError{Command: name, Err: err}
	}

	err := cmd.Wait()
	dur := time.Since(start)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			inv.logger.Error("programmer failed", "cmd", name, "code", exitErr.ExitCode(),
				"duration", dur, "stderr", stderr.String())
			return &ExitError{Command: name, Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		// Wait failing without an exit status means the I/O copy broke.
		return &LaunchError{Command: name, Err: err}
	}

	inv.logger.Info("programmer finished", "cmd", name, "duration", dur)
	inv.logger.Debug("programmer output", "stdout", stdout.String())
	return nil
}

// cappedBuffer keeps the first limit bytes written to it and drops the rest
// while still reporting full writes, so the child never blocks on stderr.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[truncated]"
	}
	return b.buf.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
