// Package manager owns every session in the process: the live registry,
// alias bindings, the idle reaper, and the archive of terminated sessions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/vanpelt/shellhost/internal/logger"
	"github.com/vanpelt/shellhost/internal/ptyproc"
	"github.com/vanpelt/shellhost/internal/screen"
	"github.com/vanpelt/shellhost/internal/session"
	"github.com/vanpelt/shellhost/internal/store"
	"github.com/vanpelt/shellhost/internal/templates"
	"github.com/vanpelt/shellhost/internal/workspace"
)

// AliasPolicy decides what CreateSession does with an alias that is already
// bound to a live session.
type AliasPolicy string

const (
	// AliasReject fails with ErrDuplicateAlias.
	AliasReject AliasPolicy = "reject"
	// AliasReuse returns the session already holding the alias.
	AliasReuse AliasPolicy = "reuse"
)

// Options configure a Manager.
type Options struct {
	Spawner ptyproc.Spawner
	Store   store.Store
	// Ports allocates workspace-service ports. Nil disables allocation;
	// callers may still supply a port explicitly.
	Ports *workspace.PortAllocator

	WorkspaceServiceEnabled bool
	DefaultShell            string
	BufferMaxBytes          int
	InactivityThreshold     time.Duration
	SessionTimeout          time.Duration
	ReapInterval            time.Duration
	AliasPolicy             AliasPolicy

	// OnInactive is called when any session goes idle.
	OnInactive func(sessionID string)
}

// CreateOptions adjust a single CreateSession call.
type CreateOptions struct {
	// WorkspaceServicePort pins the workspace port instead of allocating.
	WorkspaceServicePort *int
	Cols, Rows           uint16
	Env                  []string
}

// GetOptions adjust GetSessionIncludingTerminated.
type GetOptions struct {
	LoadFromDisk bool
}

// SaveOptions adjust SaveTerminatedSessionMetadata.
type SaveOptions struct {
	// Force persists a session that is still running.
	Force bool
}

// HistoryOptions adjust GetSessionHistory.
type HistoryOptions struct {
	LoadFromDisk bool
	PlainText    bool
}

type entry struct {
	session  *session.Session
	template templates.Resolved
	timeout  time.Duration
	retiring atomic.Bool
}

// Manager is safe for concurrent use.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	aliases  map[string]string
	archive  map[string]store.Record

	reaper      *cron.Cron
	watchCancel context.CancelFunc
}

// New creates a manager. Start the reaper separately with StartReaper.
func New(opts Options) *Manager {
	if opts.DefaultShell == "" {
		opts.DefaultShell = "/bin/bash"
	}
	if opts.AliasPolicy == "" {
		opts.AliasPolicy = AliasReject
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	return &Manager{
		opts:     opts,
		log:      logger.For("manager"),
		sessions: make(map[string]*entry),
		aliases:  make(map[string]string),
		archive:  make(map[string]store.Record),
	}
}

// CreateSession builds, registers, and starts a session from a resolved
// template. The alias is bound in the same critical section as the
// registration. A session whose process fails to spawn is unregistered and
// the spawn error returned.
func (m *Manager) CreateSession(ctx context.Context, tpl templates.Resolved, opts CreateOptions) (*session.Session, error) {
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	dir, err := resolveWorkingDir(tpl)
	if err != nil {
		return nil, err
	}
	isolation, _ := tpl.IsolationMode()
	wsEnabled := workspace.Enabled(m.opts.WorkspaceServiceEnabled, tpl.WorkspaceService, isolation)

	path, args := ptyproc.ParseCommand(tpl.Command, m.opts.DefaultShell)
	threshold := m.opts.InactivityThreshold
	if tpl.InactivityThreshold > 0 {
		threshold = tpl.InactivityThreshold
	}
	timeout := m.opts.SessionTimeout
	if tpl.Timeout > 0 {
		timeout = tpl.Timeout
	}
	cols, rows := tpl.Cols, tpl.Rows
	if opts.Cols > 0 {
		cols = opts.Cols
	}
	if opts.Rows > 0 {
		rows = opts.Rows
	}

	m.mu.Lock()
	if tpl.Alias != "" {
		if boundID, ok := m.aliases[tpl.Alias]; ok && m.sessions[boundID] != nil {
			existing := m.sessions[boundID]
			m.mu.Unlock()
			if m.opts.AliasPolicy == AliasReuse {
				m.log.Info().Str("alias", tpl.Alias).Str("session_id", boundID).Msg("♻️ Reusing session bound to alias")
				return existing.session, nil
			}
			return nil, fmt.Errorf("%w: %q is bound to %s", ErrDuplicateAlias, tpl.Alias, boundID)
		}
	}

	id := m.newIDLocked()
	var port *int
	if wsEnabled {
		port, err = m.assignPort(id, opts.WorkspaceServicePort)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}

	env := append(tpl.Env(), "SHELLHOST_SESSION_ID="+id)
	if port != nil {
		env = append(env, workspace.EnvFor(*port)...)
	}
	env = append(env, opts.Env...)

	s := session.New(session.Options{
		ID:                      id,
		Alias:                   tpl.Alias,
		TemplateID:              tpl.ID,
		Command:                 path,
		Args:                    args,
		Dir:                     dir,
		Env:                     env,
		Cols:                    cols,
		Rows:                    rows,
		BufferMaxBytes:          m.opts.BufferMaxBytes,
		InactivityThreshold:     threshold,
		Timeout:                 timeout,
		WorkspaceServiceEnabled: wsEnabled,
		WorkspaceServicePort:    port,
		ReadOnly:                !tpl.IsInteractive(),
		Hooks: session.Hooks{
			OnInactive: m.handleInactive,
			OnExit:     m.handleExit,
		},
	}, m.opts.Spawner)

	e := &entry{session: s, template: tpl, timeout: timeout}
	m.sessions[id] = e
	if tpl.Alias != "" {
		m.aliases[tpl.Alias] = id
	}
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		m.unregisterLocked(e)
		m.mu.Unlock()
		m.releasePort(id)
		return nil, err
	}

	m.log.Info().
		Str("session_id", id).
		Str("alias", tpl.Alias).
		Str("template_id", tpl.ID).
		Bool("workspace_service", wsEnabled).
		Msg("🚀 Session created")
	return s, nil
}

func resolveWorkingDir(tpl templates.Resolved) (string, error) {
	dir := tpl.WorkingDir
	if dir == "" {
		return "", nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", &WorkingDirectoryError{TemplateID: tpl.ID, Path: dir, Err: err}
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", &WorkingDirectoryError{TemplateID: tpl.ID, Path: dir, Err: err}
	}
	if !info.IsDir() {
		return "", &WorkingDirectoryError{TemplateID: tpl.ID, Path: dir, Err: errors.New("not a directory")}
	}
	return dir, nil
}

// newIDLocked returns an id unused by live and archived sessions.
func (m *Manager) newIDLocked() string {
	for {
		id := uuid.NewString()
		if _, live := m.sessions[id]; live {
			continue
		}
		if _, archived := m.archive[id]; archived {
			continue
		}
		return id
	}
}

func (m *Manager) assignPort(id string, preset *int) (*int, error) {
	if preset != nil {
		port := *preset
		if m.opts.Ports != nil {
			if err := m.opts.Ports.Reserve(id, port); err != nil {
				return nil, err
			}
		}
		return &port, nil
	}
	if m.opts.Ports == nil {
		return nil, nil
	}
	port, err := m.opts.Ports.Allocate(id)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate workspace port: %w", err)
	}
	return &port, nil
}

func (m *Manager) releasePort(id string) {
	if m.opts.Ports != nil {
		m.opts.Ports.Release(id)
	}
}

func (m *Manager) unregisterLocked(e *entry) {
	id := e.session.ID()
	if cur, ok := m.sessions[id]; ok && cur == e {
		delete(m.sessions, id)
	}
	if alias := e.session.Alias(); alias != "" && m.aliases[alias] == id {
		delete(m.aliases, alias)
	}
}

// ResolveIDFromAliasOrID returns the session id for an alias or a known
// (live or archived) session id.
func (m *Manager) ResolveIDFromAliasOrID(token string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLocked(token)
}

func (m *Manager) resolveLocked(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	if id, ok := m.aliases[token]; ok {
		return id, true
	}
	if _, ok := m.sessions[token]; ok {
		return token, true
	}
	if _, ok := m.archive[token]; ok {
		return token, true
	}
	// Archived aliases resolve to the most recently terminated holder.
	var found *store.Record
	for id := range m.archive {
		rec := m.archive[id]
		if rec.SessionAlias != token {
			continue
		}
		if found == nil || endedAt(rec).After(endedAt(*found)) {
			found = &rec
		}
	}
	if found != nil {
		return found.SessionID, true
	}
	return "", false
}

// endedAt is when an archived session terminated, or its creation time for
// records saved while it was still running.
func endedAt(rec store.Record) time.Time {
	if rec.TerminatedAt != nil {
		return *rec.TerminatedAt
	}
	return rec.CreatedAt
}

// GetSession returns a live session by alias or id.
func (m *Manager) GetSession(token string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, _ := m.resolveLocked(token)
	if e, ok := m.sessions[id]; ok {
		return e.session, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
}

// Template returns the template a live session was created from.
func (m *Manager) Template(sessionID string) (templates.Resolved, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return templates.Resolved{}, false
	}
	return e.template, true
}

// GetAllSessions returns the live sessions, oldest first.
func (m *Manager) GetAllSessions() []*session.Session {
	entries := m.snapshotEntries()
	out := make([]*session.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.session)
	}
	return out
}

// ListViews projects every live session and, optionally, every archived one.
func (m *Manager) ListViews(includeArchived bool) []View {
	views := make([]View, 0)
	for _, e := range m.snapshotEntries() {
		views = append(views, viewFromSnapshot(e.session.Info()))
	}
	if includeArchived {
		m.mu.RLock()
		for id, rec := range m.archive {
			if _, live := m.sessions[id]; live {
				continue
			}
			views = append(views, viewFromRecord(rec))
		}
		m.mu.RUnlock()
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// snapshotEntries is the stable iteration set for sweeps and listings.
func (m *Manager) snapshotEntries() []*entry {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].session.Info().CreatedAt.Before(entries[j].session.Info().CreatedAt)
	})
	return entries
}

// GetSessionIncludingTerminated returns a projection of a live session or,
// failing that, an archived one. With LoadFromDisk the store is consulted
// for sessions missing from the archive index. The process of an archived
// session is never restarted.
func (m *Manager) GetSessionIncludingTerminated(ctx context.Context, token string, opts GetOptions) (View, error) {
	m.mu.RLock()
	id, ok := m.resolveLocked(token)
	if !ok {
		id = token
	}
	if e, live := m.sessions[id]; live {
		m.mu.RUnlock()
		return viewFromSnapshot(e.session.Info()), nil
	}
	rec, archived := m.archive[id]
	m.mu.RUnlock()

	if archived {
		return viewFromRecord(rec), nil
	}
	if !opts.LoadFromDisk {
		return View{}, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	rec, err := m.loadRecord(ctx, id)
	if err != nil {
		return View{}, err
	}
	return viewFromRecord(rec), nil
}

func (m *Manager) loadRecord(ctx context.Context, id string) (store.Record, error) {
	if m.opts.Store == nil {
		return store.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec, err := m.opts.Store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return store.Record{}, err
	}
	m.mu.Lock()
	if _, live := m.sessions[rec.SessionID]; !live {
		m.archive[rec.SessionID] = rec
	}
	m.mu.Unlock()
	return rec, nil
}

// SaveTerminatedSessionMetadata persists a session's durable fields and,
// unless its template opted out, its buffered output. The snapshot is taken
// under the session lock; the write happens outside it. Saving again
// overwrites. Running sessions are refused unless opts.Force is set.
func (m *Manager) SaveTerminatedSessionMetadata(ctx context.Context, s *session.Session, opts SaveOptions) (store.Record, error) {
	rec, err := m.persist(ctx, s, opts.Force)
	if err != nil {
		return rec, err
	}
	if rec.TerminatedAt != nil {
		m.mu.Lock()
		m.archive[rec.SessionID] = rec
		m.mu.Unlock()
	}
	return rec, nil
}

// persist returns the record it tried to write even when the write fails.
func (m *Manager) persist(ctx context.Context, s *session.Session, force bool) (store.Record, error) {
	snap := s.Snapshot()
	if snap.State != session.StateTerminated && !force {
		return store.Record{}, fmt.Errorf("%w: %s", ErrSessionLive, snap.ID)
	}
	rec := recordFromSnapshot(snap)
	if m.opts.Store == nil {
		return rec, nil
	}

	history := snap.History
	if history == nil {
		history = []byte{}
	}
	m.mu.RLock()
	if e, ok := m.sessions[snap.ID]; ok && !e.template.ShouldPersistHistory() {
		history = nil
	}
	m.mu.RUnlock()

	saved, err := m.opts.Store.Save(ctx, rec, history)
	if err != nil {
		return rec, fmt.Errorf("failed to persist session %s: %w", snap.ID, err)
	}
	return saved, nil
}

// LoadTerminatedSessionsFromDisk fills the archive index from the store.
// Unreadable records are skipped, logged, and returned; they never stop
// the scan.
func (m *Manager) LoadTerminatedSessionsFromDisk(ctx context.Context) (int, []error) {
	if m.opts.Store == nil {
		return 0, nil
	}
	records, errs := m.opts.Store.LoadAll(ctx)
	for _, err := range errs {
		m.log.Warn().Err(err).Msg("⚠️ Skipping unreadable session record")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	loaded := 0
	for _, rec := range records {
		if _, live := m.sessions[rec.SessionID]; live {
			continue
		}
		m.archive[rec.SessionID] = rec
		loaded++
	}
	m.log.Info().Int("loaded", loaded).Int("skipped", len(errs)).Msg("📂 Loaded archived sessions")
	return loaded, errs
}

// archiveWatcher is implemented by stores that can report records written
// by other processes.
type archiveWatcher interface {
	Watch(ctx context.Context, fn func(store.Record)) error
}

// WatchArchive keeps the archive index in sync with records that appear in
// the store after startup. It is a no-op for stores that cannot be watched.
func (m *Manager) WatchArchive(ctx context.Context) error {
	w, ok := m.opts.Store.(archiveWatcher)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := w.Watch(ctx, m.indexRecord); err != nil {
		cancel()
		return err
	}
	m.mu.Lock()
	m.watchCancel = cancel
	m.mu.Unlock()
	return nil
}

func (m *Manager) indexRecord(rec store.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.sessions[rec.SessionID]; live {
		return
	}
	m.archive[rec.SessionID] = rec
}

// TerminateSession stops a live session, persists it, and moves it from
// the live registry to the archive.
func (m *Manager) TerminateSession(ctx context.Context, token, reason string) error {
	m.mu.RLock()
	id, _ := m.resolveLocked(token)
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	e.session.Terminate(reason)
	return m.retire(ctx, e)
}

// retire persists a terminated session and swaps it from the registry into
// the archive. Only the first call for an entry does anything.
func (m *Manager) retire(ctx context.Context, e *entry) error {
	if !e.retiring.CompareAndSwap(false, true) {
		return nil
	}
	id := e.session.ID()
	rec, err := m.persist(ctx, e.session, false)
	if err != nil {
		m.log.Error().Err(err).Str("session_id", id).Msg("❌ Failed to persist terminated session")
	}

	m.mu.Lock()
	m.unregisterLocked(e)
	if rec.SessionID != "" {
		m.archive[id] = rec
	}
	m.mu.Unlock()
	m.releasePort(id)
	return err
}

func (m *Manager) handleInactive(sessionID string) {
	m.log.Debug().Str("session_id", sessionID).Msg("💤 Session inactive")
	if m.opts.OnInactive != nil {
		m.opts.OnInactive(sessionID)
	}
}

func (m *Manager) handleExit(sessionID string, status ptyproc.ExitStatus) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := m.retire(context.Background(), e); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("⚠️ Exit cleanup incomplete")
	}
}

// Reap terminates sessions that have been silent longer than their timeout
// and retires sessions whose process already exited. It iterates a
// snapshot, so sessions created or removed meanwhile are unaffected. A
// failure for one session never stops the sweep.
func (m *Manager) Reap(ctx context.Context) int {
	reaped := 0
	now := time.Now()
	for _, e := range m.snapshotEntries() {
		s := e.session
		if s.State() != session.StateTerminated {
			if e.timeout <= 0 || now.Sub(s.LastActivity()) <= e.timeout {
				continue
			}
			s.Terminate(fmt.Sprintf("idle timeout (%s)", e.timeout))
		}
		if err := m.retire(ctx, e); err != nil {
			m.log.Warn().Err(err).Str("session_id", s.ID()).Msg("⚠️ Reaped session could not be persisted")
		}
		m.log.Info().Str("session_id", s.ID()).Str("reason", s.Info().TerminationReason).Msg("🧹 Reaped session")
		reaped++
	}
	return reaped
}

// StartReaper schedules Reap every ReapInterval.
func (m *Manager) StartReaper() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reaper != nil {
		return nil
	}
	c := cron.New()
	spec := "@every " + m.opts.ReapInterval.String()
	if _, err := c.AddFunc(spec, func() { m.Reap(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule reaper %q: %w", spec, err)
	}
	c.Start()
	m.reaper = c
	m.log.Info().Dur("interval", m.opts.ReapInterval).Msg("⏰ Session reaper started")
	return nil
}

// StopReaper stops the schedule and waits for a running sweep to finish.
func (m *Manager) StopReaper() {
	m.mu.Lock()
	c := m.reaper
	m.reaper = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// GetSessionHistory returns the buffered output and metadata of a live or
// archived session.
func (m *Manager) GetSessionHistory(ctx context.Context, token string, opts HistoryOptions) (History, error) {
	m.mu.RLock()
	id, ok := m.resolveLocked(token)
	if !ok {
		id = token
	}
	e, live := m.sessions[id]
	rec, archived := m.archive[id]
	m.mu.RUnlock()

	var h History
	var output []byte
	switch {
	case live:
		snap := e.session.Snapshot()
		h.View = viewFromSnapshot(snap)
		h.Cursor = snap.HistoryEnd
		output = snap.History
	default:
		if !archived {
			if !opts.LoadFromDisk {
				return History{}, fmt.Errorf("%w: %s", ErrNotFound, token)
			}
			var err error
			if rec, err = m.loadRecord(ctx, id); err != nil {
				return History{}, err
			}
		}
		h.View = viewFromRecord(rec)
		if m.opts.Store != nil {
			var err error
			if output, err = m.opts.Store.LoadHistory(ctx, rec); err != nil {
				return History{}, err
			}
		}
		// Records written before history_end existed only know the length.
		h.Cursor = rec.HistoryEnd
		if n := uint64(len(output)); h.Cursor < n {
			h.Cursor = n
		}
	}

	h.Output = string(output)
	if opts.PlainText {
		cols, rows := int(h.Cols), int(h.Rows)
		h.PlainText = screen.Render(output, cols, rows)
	}
	return h, nil
}

// Shutdown stops the reaper and archive watcher, then terminates and
// persists every live session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopReaper()
	m.mu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	m.mu.Unlock()

	var errs []error
	for _, e := range m.snapshotEntries() {
		e.session.Terminate("server shutdown")
		if err := m.retire(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
