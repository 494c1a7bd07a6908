// Package session owns one pseudo-terminal process, its output buffer, and
// the clients attached to it.
//
// All mutable state sits behind a single mutex. Output ingestion appends to
// the ring buffer, touches the activity monitor, and fans the chunk out in
// one critical section, so a client switching between history replay and
// live delivery never sees a chunk twice or out of order.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vanpelt/shellhost/internal/activity"
	"github.com/vanpelt/shellhost/internal/logger"
	"github.com/vanpelt/shellhost/internal/ptyproc"
	"github.com/vanpelt/shellhost/internal/recovery"
)

// State is the lifecycle state of a session.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateTerminated   State = "terminated"
)

// SyncPhase is the history synchronization state of one client.
type SyncPhase int

const (
	// SyncAbsent means the client is not attached.
	SyncAbsent SyncPhase = iota
	// SyncLoading means the client is replaying history; live output is
	// queued for it.
	SyncLoading
	// SyncSynced means the client receives live output directly.
	SyncSynced
)

func (p SyncPhase) String() string {
	switch p {
	case SyncLoading:
		return "loading"
	case SyncSynced:
		return "synced"
	default:
		return "absent"
	}
}

// Hooks are notified of session events. They run without the session lock.
type Hooks struct {
	OnInactive func(sessionID string)
	OnExit     func(sessionID string, status ptyproc.ExitStatus)
}

// Options configure a new Session.
type Options struct {
	ID         string
	Alias      string
	TemplateID string

	Command string
	Args    []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16

	BufferMaxBytes      int
	InactivityThreshold time.Duration
	// Timeout is how long the session may go without output before the
	// reaper terminates it. Zero means never.
	Timeout time.Duration

	WorkspaceServiceEnabled bool
	WorkspaceServicePort    *int

	// ReadOnly attaches every client without write access.
	ReadOnly bool

	Hooks Hooks
}

type attachment struct {
	client     Client
	readOnly   bool
	attachedAt time.Time
}

// historySync exists only while its client is replaying history.
type historySync struct {
	cursor  uint64
	pending [][]byte
}

// Session is one interactive shell.
type Session struct {
	id         string
	alias      string
	templateID string
	opts       Options
	spawner    ptyproc.Spawner
	hooks      Hooks
	log        zerolog.Logger

	mu       sync.Mutex
	state    State
	starting bool
	proc     ptyproc.Process
	monitor  *activity.Monitor
	gate     *activity.InputGate
	buf      *ring
	clients  map[string]*attachment
	order    []string
	syncs    map[string]*historySync
	writerID string

	// Readable without mu from timer and read-loop goroutines.
	terminated atomic.Bool
	inputOnce  sync.Once

	cols, rows    uint16
	createdAt     time.Time
	lastActivity  time.Time
	terminatedAt  time.Time
	reason        string
	exitCode      *int
	workspacePort *int
}

// New creates a session in the Initializing state. Call Start to spawn its
// process.
func New(opts Options, spawner ptyproc.Spawner) *Session {
	if opts.Cols == 0 {
		opts.Cols = ptyproc.DefaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = ptyproc.DefaultRows
	}
	now := time.Now()
	return &Session{
		id:            opts.ID,
		alias:         opts.Alias,
		templateID:    opts.TemplateID,
		opts:          opts,
		spawner:       spawner,
		hooks:         opts.Hooks,
		log:           logger.For("session").With().Str("session_id", opts.ID).Logger(),
		state:         StateInitializing,
		buf:           newRing(opts.BufferMaxBytes),
		clients:       make(map[string]*attachment),
		syncs:         make(map[string]*historySync),
		cols:          opts.Cols,
		rows:          opts.Rows,
		createdAt:     now,
		lastActivity:  now,
		workspacePort: copyPort(opts.WorkspaceServicePort),
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Alias() string      { return s.alias }
func (s *Session) TemplateID() string { return s.templateID }

// Timeout is the inactivity limit enforced by the reaper.
func (s *Session) Timeout() time.Duration { return s.opts.Timeout }

// CommandLine returns the command and arguments as one string.
func (s *Session) CommandLine() string {
	return strings.TrimSpace(strings.Join(append([]string{s.opts.Command}, s.opts.Args...), " "))
}

// Start spawns the process. On failure the session stays non-active and
// Start may be called again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateTerminated:
		s.mu.Unlock()
		return ErrSessionTerminated
	case s.state != StateInitializing || s.starting:
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(ctx, ptyproc.SpawnOptions{
		Path: s.opts.Command,
		Args: s.opts.Args,
		Dir:  s.opts.Dir,
		Env:  s.opts.Env,
		Cols: cols,
		Rows: rows,
	})

	s.mu.Lock()
	s.starting = false
	if err != nil {
		s.mu.Unlock()
		s.log.Error().Err(err).Str("command", s.CommandLine()).Msg("❌ Failed to spawn process")
		return &ProcessSpawnError{SessionID: s.id, Command: s.CommandLine(), Err: err}
	}
	if s.state == StateTerminated {
		// Terminated while spawning.
		s.mu.Unlock()
		_ = proc.Terminate()
		return ErrSessionTerminated
	}
	s.proc = proc
	s.state = StateActive
	s.lastActivity = time.Now()
	gate := activity.NewInputGate(proc.Write)
	s.gate = gate
	s.monitor = activity.NewMonitor(s.opts.InactivityThreshold, func() { s.handleInactive(gate) })
	s.monitor.Start()
	s.mu.Unlock()

	s.log.Info().Int("pid", proc.Pid()).Str("command", s.CommandLine()).Msg("✅ Session started")

	proc.OnExit(s.handleExit)
	proc.OnOutput(s.handleOutput)
	return nil
}

// handleOutput is the process output callback.
func (s *Session) handleOutput(chunk []byte) {
	var dropped []Client

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.buf.append(chunk)
	s.lastActivity = time.Now()
	s.monitor.Touch()

	for id, a := range s.clients {
		if hs, ok := s.syncs[id]; ok {
			hs.pending = append(hs.pending, chunk)
			continue
		}
		if err := a.client.Send(chunk); err != nil {
			s.log.Warn().Err(err).Str("client_id", id).Msg("⚠️ Dropping client that cannot keep up")
			dropped = append(dropped, a.client)
		}
	}
	var promoted Client
	for _, c := range dropped {
		if p := s.detachLocked(c.ID()); p != nil {
			promoted = p
		}
	}
	gate := s.gate
	s.mu.Unlock()

	for _, c := range dropped {
		_ = c.Close()
	}
	notifyPromoted(promoted)

	s.releaseInput(gate, "first output")
}

// releaseInput opens the input gate once. The flush writes to the process
// and may block until it reads, so it never runs on the output path.
func (s *Session) releaseInput(gate *activity.InputGate, cause string) {
	if gate.IsOpen() {
		return
	}
	s.inputOnce.Do(func() {
		recovery.SafeGo("input-flush-"+s.id, func() {
			opened, err := gate.Open()
			if err != nil {
				s.log.Warn().Err(err).Msg("⚠️ Failed to flush deferred input")
				return
			}
			if opened {
				s.log.Debug().Str("cause", cause).Msg("⌨️ Released deferred input")
			}
		})
	})
}

// handleInactive runs on the monitor's timer goroutine and never takes the
// session lock. The first firing doubles as the "ready" fail-safe for input.
func (s *Session) handleInactive(gate *activity.InputGate) {
	if s.terminated.Load() {
		return
	}
	s.releaseInput(gate, "inactivity")

	s.log.Debug().Msg("💤 Session idle")
	if s.hooks.OnInactive != nil {
		s.hooks.OnInactive(s.id)
	}
}

func (s *Session) handleExit(status ptyproc.ExitStatus) {
	s.mu.Lock()
	code := status.Code
	s.exitCode = &code
	s.mu.Unlock()

	s.log.Info().Int("exit_code", status.Code).Msg("🏁 Process exited")
	s.Terminate(fmt.Sprintf("process exited (code %d)", status.Code))

	if s.hooks.OnExit != nil {
		s.hooks.OnExit(s.id, status)
	}
}

// Attach registers a client. The first client may write; later clients
// are read-only until promoted. A new client is synced (receives live
// output) unless MarkClientLoadingHistory is called for it.
func (s *Session) Attach(c Client) (readOnly bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false, ErrSessionTerminated
	}
	id := c.ID()
	if _, exists := s.clients[id]; exists {
		return s.clients[id].readOnly, nil
	}
	readOnly = s.opts.ReadOnly || s.writerID != ""
	if !readOnly {
		s.writerID = id
	}
	s.clients[id] = &attachment{client: c, readOnly: readOnly, attachedAt: time.Now()}
	s.order = append(s.order, id)
	s.log.Info().Str("client_id", id).Bool("read_only", readOnly).Int("clients", len(s.clients)).Msg("🔗 Client attached")
	return readOnly, nil
}

// MarkClientLoadingHistory moves the client into the loading phase with an
// empty pending queue, resetting any queue it already had. It returns the
// retained output at or after cursor and the offset where the live tail
// resumes.
func (s *Session) MarkClientLoadingHistory(clientID string, cursor uint64) ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return nil, 0, ErrSessionTerminated
	}
	if _, ok := s.clients[clientID]; !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrClientNotAttached, clientID)
	}
	s.syncs[clientID] = &historySync{cursor: cursor}
	return s.buf.readFrom(cursor), s.buf.end, nil
}

// QueueOutputForClient appends chunk to a loading client's pending queue.
// For any other client it is a logged no-op.
func (s *Session) QueueOutputForClient(clientID string, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.syncs[clientID]
	if !ok || s.state == StateTerminated {
		s.log.Debug().Err(ErrStaleSync).Str("client_id", clientID).Msg("queue for client that is not loading")
		return
	}
	hs.pending = append(hs.pending, chunk)
}

// MarkClientHistoryLoaded moves a loading client to synced and returns its
// pending chunks in arrival order. The chunks are handed out exactly once;
// a client that is not loading gets nil.
func (s *Session) MarkClientHistoryLoaded(clientID string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takePendingLocked(clientID)
}

// ResumeClient is MarkClientHistoryLoaded followed by sending the pending
// chunks to the client, all under the session lock, so no live chunk can
// overtake them.
func (s *Session) ResumeClient(clientID string) (int, error) {
	s.mu.Lock()
	a, ok := s.clients[clientID]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrClientNotAttached, clientID)
	}
	pending := s.takePendingLocked(clientID)
	for i, chunk := range pending {
		if err := a.client.Send(chunk); err != nil {
			promoted := s.detachLocked(clientID)
			s.mu.Unlock()
			_ = a.client.Close()
			notifyPromoted(promoted)
			return i, err
		}
	}
	s.mu.Unlock()
	return len(pending), nil
}

func (s *Session) takePendingLocked(clientID string) [][]byte {
	hs, ok := s.syncs[clientID]
	if !ok {
		s.log.Debug().Err(ErrStaleSync).Str("client_id", clientID).Msg("history loaded for client that is not loading")
		return nil
	}
	delete(s.syncs, clientID)
	return hs.pending
}

// DetachClient removes the client and any sync state it has, whatever
// phase it is in. The client itself is not closed.
func (s *Session) DetachClient(clientID string) {
	s.mu.Lock()
	promoted := s.detachLocked(clientID)
	remaining := len(s.clients)
	s.mu.Unlock()

	s.log.Info().Str("client_id", clientID).Int("clients", remaining).Msg("🔌 Client detached")
	notifyPromoted(promoted)
}

// detachLocked returns the client promoted to writer, if any.
func (s *Session) detachLocked(clientID string) Client {
	delete(s.syncs, clientID)
	if _, ok := s.clients[clientID]; !ok {
		return nil
	}
	delete(s.clients, clientID)
	for i, id := range s.order {
		if id == clientID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.writerID != clientID {
		return nil
	}
	s.writerID = ""
	// Oldest remaining client gets write access.
	for _, id := range s.order {
		a := s.clients[id]
		a.readOnly = false
		s.writerID = id
		s.log.Info().Str("client_id", id).Msg("🔄 Promoted client to write access")
		return a.client
	}
	return nil
}

func notifyPromoted(c Client) {
	if p, ok := c.(Promotable); ok {
		p.Promoted()
	}
}

// ClientSyncPhase reports the sync phase of a client.
func (s *Session) ClientSyncPhase(clientID string) SyncPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return SyncAbsent
	}
	if _, ok := s.syncs[clientID]; ok {
		return SyncLoading
	}
	return SyncSynced
}

// IsReadOnly reports whether the client is attached without write access.
func (s *Session) IsReadOnly(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.clients[clientID]
	return !ok || a.readOnly
}

// ClientCount returns the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Write sends input to the process. Input is held until the session has
// produced output or gone idle once, then forwarded in order.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	state, gate := s.state, s.gate
	s.mu.Unlock()
	if state == StateTerminated {
		return 0, ErrSessionTerminated
	}
	if gate == nil {
		return 0, ErrNotStarted
	}
	return gate.Write(p)
}

// WriteFrom is Write on behalf of an attached client; read-only clients
// are refused.
func (s *Session) WriteFrom(clientID string, p []byte) (int, error) {
	if s.IsReadOnly(clientID) {
		return 0, ErrReadOnlyClient
	}
	return s.Write(p)
}

// Resize changes the terminal size.
func (s *Session) Resize(cols, rows uint16) error {
	if err := ptyproc.ValidateSize(cols, rows); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return ErrSessionTerminated
	}
	proc := s.proc
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Resize(cols, rows)
}

// Terminate stops the session. It is idempotent and reports whether this
// call performed the termination.
func (s *Session) Terminate(reason string) bool {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return false
	}
	s.state = StateTerminated
	s.terminated.Store(true)
	s.terminatedAt = time.Now()
	s.reason = reason
	proc, monitor, gate := s.proc, s.monitor, s.gate
	clients := make([]Client, 0, len(s.clients))
	for _, a := range s.clients {
		clients = append(clients, a.client)
	}
	s.clients = make(map[string]*attachment)
	s.syncs = make(map[string]*historySync)
	s.order = nil
	s.writerID = ""
	s.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if gate != nil {
		gate.Close()
	}
	if proc != nil {
		if err := proc.Terminate(); err != nil {
			s.log.Warn().Err(err).Msg("⚠️ Failed to terminate process")
		}
	}
	for _, c := range clients {
		_ = c.Close()
	}
	s.log.Info().Str("reason", reason).Msg("🛑 Session terminated")
	return true
}

// State returns the lifecycle state. Active and Idle are derived from the
// activity monitor.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	if s.state == StateActive && !s.monitor.Active() {
		return StateIdle
	}
	return s.state
}

// IsActive reports whether the process is running.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// OutputActive reports whether output was seen within the inactivity
// threshold.
func (s *Session) OutputActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive && s.monitor.Active()
}

// LastActivity is the time of the last output, or of start.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Exited reports whether the process has exited on its own.
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode != nil
}

// WorkspaceServicePort returns the session's workspace port, or nil.
func (s *Session) WorkspaceServicePort() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPort(s.workspacePort)
}

// Snapshot is a point-in-time copy of a session's durable state.
type Snapshot struct {
	ID                      string
	Alias                   string
	TemplateID              string
	State                   State
	IsActive                bool
	OutputActive            bool
	Command                 string
	Dir                     string
	Cols, Rows              uint16
	CreatedAt               time.Time
	LastActivity            time.Time
	TerminatedAt            *time.Time
	TerminationReason       string
	ExitCode                *int
	WorkspaceServiceEnabled bool
	WorkspaceServicePort    *int
	Clients                 int
	History                 []byte
	HistoryStart            uint64
	HistoryEnd              uint64
}

// Snapshot copies the session's metadata and buffered output under the
// lock. Callers persist the result without holding any session lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.infoLocked()
	snap.History = s.buf.bytes()
	return snap
}

// Info is Snapshot without the buffered output.
func (s *Session) Info() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Snapshot {
	snap := Snapshot{
		ID:                      s.id,
		Alias:                   s.alias,
		TemplateID:              s.templateID,
		State:                   s.stateLocked(),
		IsActive:                s.state == StateActive,
		Command:                 s.CommandLine(),
		Dir:                     s.opts.Dir,
		Cols:                    s.cols,
		Rows:                    s.rows,
		CreatedAt:               s.createdAt,
		LastActivity:            s.lastActivity,
		TerminationReason:       s.reason,
		WorkspaceServiceEnabled: s.opts.WorkspaceServiceEnabled,
		WorkspaceServicePort:    copyPort(s.workspacePort),
		Clients:                 len(s.clients),
		HistoryStart:            s.buf.start,
		HistoryEnd:              s.buf.end,
	}
	if s.state == StateActive {
		snap.OutputActive = s.monitor.Active()
	}
	if !s.terminatedAt.IsZero() {
		t := s.terminatedAt
		snap.TerminatedAt = &t
	}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	return snap
}

func copyPort(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
