// Package ptytest provides an in-memory ptyproc.Spawner for tests.
package ptytest

import (
	"context"
	"errors"
	"sync"

	"github.com/vanpelt/shellhost/internal/ptyproc"
)

// ErrClosed is returned by Process.Write after Terminate or Exit.
var ErrClosed = errors.New("fake process closed")

// Spawner records every spawn and returns scripted Processes.
type Spawner struct {
	mu        sync.Mutex
	err       error
	processes []*Process
	nextPid   int
}

// NewSpawner returns a spawner whose processes start successfully.
func NewSpawner() *Spawner {
	return &Spawner{nextPid: 1000}
}

// FailSpawn makes subsequent spawns return err. Pass nil to recover.
func (s *Spawner) FailSpawn(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Spawner) Spawn(ctx context.Context, opts ptyproc.SpawnOptions) (ptyproc.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextPid++
	p := &Process{Opts: opts, pid: s.nextPid, cols: opts.Cols, rows: opts.Rows}
	s.processes = append(s.processes, p)
	return p, nil
}

// Processes returns every process spawned so far.
func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.processes...)
}

// Last returns the most recently spawned process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.processes) == 0 {
		return nil
	}
	return s.processes[len(s.processes)-1]
}

// Process is a scripted ptyproc.Process. Output emitted before an output
// handler is registered is held and delivered on registration.
type Process struct {
	Opts ptyproc.SpawnOptions

	mu         sync.Mutex
	pid        int
	onOutput   func([]byte)
	onExit     []func(ptyproc.ExitStatus)
	early      [][]byte
	written    []string
	cols, rows uint16
	terminated bool
	exited     *ptyproc.ExitStatus
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) OnOutput(fn func([]byte)) {
	p.mu.Lock()
	p.onOutput = fn
	early := p.early
	p.early = nil
	p.mu.Unlock()
	for _, chunk := range early {
		fn(chunk)
	}
}

func (p *Process) OnExit(fn func(ptyproc.ExitStatus)) {
	p.mu.Lock()
	if p.exited != nil {
		status := *p.exited
		p.mu.Unlock()
		fn(status)
		return
	}
	p.onExit = append(p.onExit, fn)
	p.mu.Unlock()
}

// Emit delivers chunk synchronously to the output handler.
func (p *Process) Emit(chunk string) {
	p.mu.Lock()
	fn := p.onOutput
	if fn == nil {
		p.early = append(p.early, []byte(chunk))
	}
	p.mu.Unlock()
	if fn != nil {
		fn([]byte(chunk))
	}
}

// Exit runs the exit handlers synchronously with the given code.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	if p.exited != nil {
		p.mu.Unlock()
		return
	}
	status := ptyproc.ExitStatus{Code: code}
	p.exited = &status
	handlers := p.onExit
	p.onExit = nil
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(status)
	}
}

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated || p.exited != nil {
		return 0, ErrClosed
	}
	p.written = append(p.written, string(b))
	return len(b), nil
}

// Written returns every chunk written to the process, in order.
func (p *Process) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func (p *Process) Resize(cols, rows uint16) error {
	if err := ptyproc.ValidateSize(cols, rows); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

// Size returns the last size set by Spawn or Resize.
func (p *Process) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Terminate marks the process terminated. It does not run exit handlers;
// call Exit to simulate the process going away.
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	return nil
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
