// Package ptyproc defines the pseudo-terminal process capability that
// sessions are built on, and a creack/pty backed implementation.
//
// Sessions never touch *os.File or *exec.Cmd directly; they receive a
// Spawner and talk to the returned Process. Tests substitute
// ptytest.Spawner.
package ptyproc

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Terminal size limits accepted by Resize.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
	MaxCols     uint16 = 500
	MaxRows     uint16 = 500
)

// ErrInvalidSize is returned for zero or oversized terminal dimensions.
var ErrInvalidSize = errors.New("invalid terminal size")

// SpawnOptions describes the process to start.
type SpawnOptions struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the server's environment.
	Env  []string
	Cols uint16
	Rows uint16
}

// ExitStatus is delivered to OnExit handlers once the process has exited.
type ExitStatus struct {
	Code int
	Err  error
}

func (s ExitStatus) String() string {
	if s.Err != nil && s.Code < 0 {
		return fmt.Sprintf("exit error: %v", s.Err)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Process is a running pseudo-terminal process.
//
// Output is delivered to the handler registered with OnOutput, in order, on
// a single goroutine. Reading begins when the first output handler is
// registered, so no output is lost between Spawn and registration.
// OnExit handlers run once after the final output has been delivered; a
// handler registered after exit runs immediately.
type Process interface {
	OnOutput(fn func(chunk []byte))
	OnExit(fn func(ExitStatus))
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Terminate() error
	Pid() int
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// ValidateSize checks terminal dimensions against the accepted bounds.
func ValidateSize(cols, rows uint16) error {
	if cols == 0 || rows == 0 || cols > MaxCols || rows > MaxRows {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	return nil
}

// ParseCommand splits a command line into path and arguments on whitespace.
// An empty command falls back to shell.
func ParseCommand(command, shell string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return shell, nil
	}
	return fields[0], fields[1:]
}
