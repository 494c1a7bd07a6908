package ptyproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/vanpelt/shellhost/internal/logger"
	"github.com/vanpelt/shellhost/internal/recovery"
)

// killGrace is how long Terminate waits after SIGHUP before SIGKILL.
const killGrace = 2 * time.Second

// PTYSpawner starts processes attached to a real pseudo-terminal.
type PTYSpawner struct {
	// BaseEnv is prepended to every process environment. Defaults to
	// os.Environ() plus terminal capability variables.
	BaseEnv []string
}

// NewPTYSpawner returns a spawner using the server's environment.
func NewPTYSpawner() *PTYSpawner {
	return &PTYSpawner{
		BaseEnv: append(os.Environ(),
			"TERM=xterm-256color",
			"COLORTERM=truecolor",
		),
	}
}

// Spawn starts opts.Path under a new PTY. The process is not bound to ctx:
// sessions outlive the request that created them.
func (s *PTYSpawner) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("empty command")
	}
	if opts.Cols == 0 {
		opts.Cols = DefaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = DefaultRows
	}
	if err := ValidateSize(opts.Cols, opts.Rows); err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(append([]string{}, s.BaseEnv...), opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty for %s: %w", opts.Path, err)
	}

	logger.Debugf("🐚 Started %s (pid %d) in %s at %dx%d", opts.Path, cmd.Process.Pid, opts.Dir, opts.Cols, opts.Rows)

	return &ptyProcess{
		ptmx:   ptmx,
		cmd:    cmd,
		exited: make(chan struct{}),
	}, nil
}

type ptyProcess struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu         sync.Mutex
	onOutput   func([]byte)
	onExit     []func(ExitStatus)
	reading    bool
	terminated bool
	status     *ExitStatus
	exited     chan struct{}
}

func (p *ptyProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *ptyProcess) OnOutput(fn func([]byte)) {
	p.mu.Lock()
	p.onOutput = fn
	start := !p.reading
	p.reading = true
	p.mu.Unlock()

	if start {
		recovery.SafeGo(fmt.Sprintf("pty-read-%d", p.Pid()), p.readLoop)
	}
}

func (p *ptyProcess) OnExit(fn func(ExitStatus)) {
	p.mu.Lock()
	if p.status != nil {
		status := *p.status
		p.mu.Unlock()
		recovery.SafeGo("pty-exit-late", func() { fn(status) })
		return
	}
	p.onExit = append(p.onExit, fn)
	p.mu.Unlock()
}

func (p *ptyProcess) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.mu.Lock()
			fn := p.onOutput
			p.mu.Unlock()
			if fn != nil {
				fn(chunk)
			}
		}
		if err != nil {
			break
		}
	}

	status := ExitStatus{}
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.Code = exitErr.ExitCode()
		} else {
			status.Code = -1
			status.Err = err
		}
	}
	_ = p.ptmx.Close()

	p.mu.Lock()
	p.status = &status
	handlers := p.onExit
	p.onExit = nil
	p.mu.Unlock()
	close(p.exited)

	for _, fn := range handlers {
		fn(status)
	}
}

func (p *ptyProcess) Write(data []byte) (int, error) {
	p.mu.Lock()
	terminated := p.terminated
	p.mu.Unlock()
	if terminated {
		return 0, os.ErrClosed
	}
	return p.ptmx.Write(data)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	if err := ValidateSize(cols, rows); err != nil {
		return err
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Terminate hangs up the shell and kills it if it has not exited after a
// short grace period. Safe to call more than once.
func (p *ptyProcess) Terminate() error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	p.mu.Unlock()

	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debugf("⚠️ SIGHUP to pid %d failed: %v", p.Pid(), err)
	}

	recovery.SafeGo(fmt.Sprintf("pty-reap-%d", p.Pid()), func() {
		select {
		case <-p.exited:
		case <-time.After(killGrace):
			_ = p.cmd.Process.Kill()
			_ = p.ptmx.Close()
		}
	})
	return nil
}
