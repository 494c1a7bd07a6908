package manager

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/shellhost/internal/ptyproc/ptytest"
	"github.com/vanpelt/shellhost/internal/session"
	"github.com/vanpelt/shellhost/internal/store"
	"github.com/vanpelt/shellhost/internal/templates"
	"github.com/vanpelt/shellhost/internal/workspace"
)

type fixture struct {
	mgr     *Manager
	spawner *ptytest.Spawner
	store   *store.FileStore
	ports   *workspace.PortAllocator
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	ports := workspace.NewPortAllocator(45000, 10)
	ports.SetProbe(func(int) bool { return true })

	f := &fixture{spawner: ptytest.NewSpawner(), store: st, ports: ports}
	opts := Options{
		Spawner:                 f.spawner,
		Store:                   st,
		Ports:                   ports,
		WorkspaceServiceEnabled: true,
		DefaultShell:            "/bin/sh",
		InactivityThreshold:     time.Hour,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	f.mgr = New(opts)
	t.Cleanup(func() { _ = f.mgr.Shutdown(context.Background()) })
	return f
}

func intPtr(v int) *int { return &v }

func shellTemplate(id, alias string) templates.Resolved {
	return templates.Resolved{ID: id, Alias: alias, Command: "bash -l"}
}

func sandboxTemplate(id string) templates.Resolved {
	return templates.Resolved{ID: id, Sandbox: true, WorkspaceService: true}
}

func TestCreateSessionRegistersAndStarts(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), shellTemplate("shell", "dev"), CreateOptions{Cols: 100, Rows: 30})
	require.NoError(t, err)

	assert.True(t, s.IsActive())
	assert.Equal(t, "dev", s.Alias())
	assert.Equal(t, 1, f.mgr.Count())

	proc := f.spawner.Last()
	require.NotNil(t, proc)
	assert.Equal(t, "bash", proc.Opts.Path)
	assert.Equal(t, []string{"-l"}, proc.Opts.Args)
	assert.Contains(t, proc.Opts.Env, "SHELLHOST_SESSION_ID="+s.ID())
	cols, rows := proc.Size()
	assert.Equal(t, uint16(100), cols)
	assert.Equal(t, uint16(30), rows)
}

func TestCreateSessionDefaultsToShell(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.CreateSession(context.Background(), templates.Resolved{ID: "plain"}, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", f.spawner.Last().Opts.Path)
}

func TestResolveIDFromAliasOrID(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), shellTemplate("shell", "build"), CreateOptions{})
	require.NoError(t, err)

	id, ok := f.mgr.ResolveIDFromAliasOrID("build")
	assert.True(t, ok)
	assert.Equal(t, s.ID(), id)

	id, ok = f.mgr.ResolveIDFromAliasOrID(s.ID())
	assert.True(t, ok)
	assert.Equal(t, s.ID(), id)

	_, ok = f.mgr.ResolveIDFromAliasOrID("nope")
	assert.False(t, ok)
	_, ok = f.mgr.ResolveIDFromAliasOrID("")
	assert.False(t, ok)

	got, err := f.mgr.GetSession("build")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = f.mgr.GetSession("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateAliasRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.CreateSession(context.Background(), shellTemplate("shell", "dup"), CreateOptions{})
	require.NoError(t, err)

	_, err = f.mgr.CreateSession(context.Background(), shellTemplate("shell", "dup"), CreateOptions{})
	assert.ErrorIs(t, err, ErrDuplicateAlias)
	assert.Equal(t, 1, f.mgr.Count())
	assert.Len(t, f.spawner.Processes(), 1)
}

func TestDuplicateAliasReused(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AliasPolicy = AliasReuse })
	first, err := f.mgr.CreateSession(context.Background(), shellTemplate("shell", "dup"), CreateOptions{})
	require.NoError(t, err)

	second, err := f.mgr.CreateSession(context.Background(), shellTemplate("shell", "dup"), CreateOptions{})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, f.spawner.Processes(), 1)
}

func TestAliasFreedAfterTermination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, shellTemplate("shell", "again"), CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.mgr.TerminateSession(ctx, "again", "done"))

	s2, err := f.mgr.CreateSession(ctx, shellTemplate("shell", "again"), CreateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), s2.ID())
}

func TestSpawnFailureUnregisters(t *testing.T) {
	f := newFixture(t)
	f.spawner.FailSpawn(errors.New("exec format error"))

	_, err := f.mgr.CreateSession(context.Background(), sandboxTemplate("box"), CreateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrProcessSpawn)
	var spawnErr *session.ProcessSpawnError
	assert.ErrorAs(t, err, &spawnErr)

	assert.Equal(t, 0, f.mgr.Count())
	assert.Empty(t, f.ports.InUse())
}

func TestWorkingDirectoryError(t *testing.T) {
	f := newFixture(t)
	tpl := shellTemplate("shell", "")
	tpl.WorkingDir = filepath.Join(t.TempDir(), "missing")

	_, err := f.mgr.CreateSession(context.Background(), tpl, CreateOptions{})
	var wdErr *WorkingDirectoryError
	require.ErrorAs(t, err, &wdErr)
	assert.Equal(t, "shell", wdErr.TemplateID)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 0, f.mgr.Count())
	assert.Empty(t, f.spawner.Processes())

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	tpl.WorkingDir = file
	_, err = f.mgr.CreateSession(context.Background(), tpl, CreateOptions{})
	assert.ErrorAs(t, err, &wdErr)

	tpl.WorkingDir = t.TempDir()
	s, err := f.mgr.CreateSession(context.Background(), tpl, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, tpl.WorkingDir, s.Info().Dir)
}

func TestWorkspacePortAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, sandboxTemplate("box"), CreateOptions{})
	require.NoError(t, err)
	port := s.WorkspaceServicePort()
	require.NotNil(t, port)
	assert.Equal(t, 45000, *port)
	assert.Contains(t, f.spawner.Last().Opts.Env, "WORKSPACE_SERVICE_PORT=45000")

	plain, err := f.mgr.CreateSession(ctx, shellTemplate("shell", ""), CreateOptions{})
	require.NoError(t, err)
	assert.Nil(t, plain.WorkspaceServicePort())

	require.NoError(t, f.mgr.TerminateSession(ctx, s.ID(), "done"))
	assert.Empty(t, f.ports.InUse())
}

func TestWorkspaceServiceDisabledGlobally(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.WorkspaceServiceEnabled = false })
	s, err := f.mgr.CreateSession(context.Background(), sandboxTemplate("box"), CreateOptions{WorkspaceServicePort: intPtr(45678)})
	require.NoError(t, err)
	assert.Nil(t, s.WorkspaceServicePort())
	assert.False(t, s.Info().WorkspaceServiceEnabled)
}

func TestPersistReloadReproducesWorkspaceFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	withPort, err := f.mgr.CreateSession(ctx, sandboxTemplate("box"), CreateOptions{WorkspaceServicePort: intPtr(45678)})
	require.NoError(t, err)
	noPort, err := f.mgr.CreateSession(ctx, shellTemplate("shell", "np"), CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.TerminateSession(ctx, withPort.ID(), "test"))
	require.NoError(t, f.mgr.TerminateSession(ctx, noPort.ID(), "test"))

	// A fresh manager sees only what was written to disk.
	fresh := New(Options{Spawner: ptytest.NewSpawner(), Store: f.store})
	loaded, errs := fresh.LoadTerminatedSessionsFromDisk(ctx)
	assert.Empty(t, errs)
	assert.Equal(t, 2, loaded)

	v, err := fresh.GetSessionIncludingTerminated(ctx, withPort.ID(), GetOptions{})
	require.NoError(t, err)
	assert.True(t, v.Archived)
	assert.False(t, v.IsActive)
	assert.Equal(t, session.StateTerminated, v.State)
	assert.True(t, v.WorkspaceServiceEnabledForSession)
	require.NotNil(t, v.WorkspaceServicePort)
	assert.Equal(t, 45678, *v.WorkspaceServicePort)

	h, err := fresh.GetSessionHistory(ctx, withPort.ID(), HistoryOptions{})
	require.NoError(t, err)
	require.NotNil(t, h.WorkspaceServicePort)
	assert.Equal(t, 45678, *h.WorkspaceServicePort)

	v, err = fresh.GetSessionIncludingTerminated(ctx, "np", GetOptions{})
	require.NoError(t, err)
	assert.False(t, v.WorkspaceServiceEnabledForSession)
	assert.Nil(t, v.WorkspaceServicePort)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"workspace_service_port":null`)
	assert.Contains(t, string(data), `"workspace_service_enabled_for_session":false`)

	h, err = fresh.GetSessionHistory(ctx, noPort.ID(), HistoryOptions{})
	require.NoError(t, err)
	assert.Nil(t, h.WorkspaceServicePort)

	// The archived session is never restarted.
	assert.Equal(t, 0, fresh.Count())
}

func TestGetSessionIncludingTerminatedLoadsFromDisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	terminated := time.Now()
	_, err := f.store.Save(ctx, store.Record{
		SessionID:    "external",
		CreatedAt:    terminated.Add(-time.Minute),
		TerminatedAt: &terminated,
	}, nil)
	require.NoError(t, err)

	_, err = f.mgr.GetSessionIncludingTerminated(ctx, "external", GetOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := f.mgr.GetSessionIncludingTerminated(ctx, "external", GetOptions{LoadFromDisk: true})
	require.NoError(t, err)
	assert.Equal(t, "external", v.SessionID)

	_, err = f.mgr.GetSessionIncludingTerminated(ctx, "never-existed", GetOptions{LoadFromDisk: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSkipsCorruptRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, shellTemplate("shell", ""), CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.mgr.TerminateSession(ctx, s.ID(), "done"))
	require.NoError(t, os.WriteFile(filepath.Join(f.store.Dir(), "bad.json"), []byte("{"), 0644))

	fresh := New(Options{Spawner: ptytest.NewSpawner(), Store: f.store})
	loaded, errs := fresh.LoadTerminatedSessionsFromDisk(ctx)
	assert.Equal(t, 1, loaded)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], store.ErrMetadataCorrupt)

	_, ok := fresh.ResolveIDFromAliasOrID(s.ID())
	assert.True(t, ok)
}

func TestSaveRefusesLiveSessionWithoutForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, shellTemplate("shell", ""), CreateOptions{})
	require.NoError(t, err)

	_, err = f.mgr.SaveTerminatedSessionMetadata(ctx, s, SaveOptions{})
	assert.ErrorIs(t, err, ErrSessionLive)

	rec, err := f.mgr.SaveTerminatedSessionMetadata(ctx, s, SaveOptions{Force: true})
	require.NoError(t, err)
	assert.Nil(t, rec.TerminatedAt)

	// Forced snapshots of live sessions do not enter the archive.
	_, err = f.store.Load(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, f.mgr.Count())
}

func TestSaveOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, shellTemplate("shell", ""), CreateOptions{})
	require.NoError(t, err)
	f.spawner.Last().Emit("one")
	require.NoError(t, f.mgr.TerminateSession(ctx, s.ID(), "first"))

	_, err = f.mgr.SaveTerminatedSessionMetadata(ctx, s, SaveOptions{})
	require.NoError(t, err)

	all, errs := f.store.LoadAll(ctx)
	assert.Empty(t, errs)
	assert.Len(t, all, 1)
}

func TestProcessExitPersistsAndArchives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, sandboxTemplate("box"), CreateOptions{})
	require.NoError(t, err)
	f.spawner.Last().Emit("bye\r\n")
	f.spawner.Last().Exit(7)

	assert.Equal(t, 0, f.mgr.Count())
	assert.Empty(t, f.ports.InUse())

	rec, err := f.store.Load(ctx, s.ID())
	require.NoError(t, err)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 7, *rec.ExitCode)
	assert.Equal(t, "process exited (code 7)", rec.TerminationReason)

	v, err := f.mgr.GetSessionIncludingTerminated(ctx, s.ID(), GetOptions{})
	require.NoError(t, err)
	assert.True(t, v.Archived)

	h, err := f.mgr.GetSessionHistory(ctx, s.ID(), HistoryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "bye\r\n", h.Output)
}

func TestPersistHistoryOptOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	off := false
	tpl := shellTemplate("secret", "")
	tpl.PersistHistory = &off
	s, err := f.mgr.CreateSession(ctx, tpl, CreateOptions{})
	require.NoError(t, err)
	f.spawner.Last().Emit("password: hunter2")
	require.NoError(t, f.mgr.TerminateSession(ctx, s.ID(), "done"))

	h, err := f.mgr.GetSessionHistory(ctx, s.ID(), HistoryOptions{})
	require.NoError(t, err)
	assert.Empty(t, h.Output)
}

func TestGetSessionHistoryLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, shellTemplate("shell", "hist"), CreateOptions{})
	require.NoError(t, err)
	f.spawner.Last().Emit("\x1b[31mhello\x1b[0m\r\n")
	f.spawner.Last().Emit("world\r\n")

	h, err := f.mgr.GetSessionHistory(ctx, "hist", HistoryOptions{PlainText: true})
	require.NoError(t, err)
	assert.Equal(t, s.ID(), h.SessionID)
	assert.Equal(t, "\x1b[31mhello\x1b[0m\r\nworld\r\n", h.Output)
	assert.Equal(t, uint64(len(h.Output)), h.Cursor)
	assert.True(t, h.IsActive)
	assert.Contains(t, h.PlainText, "hello")
	assert.Contains(t, h.PlainText, "world")
	assert.NotContains(t, h.PlainText, "\x1b")

	_, err = f.mgr.GetSessionHistory(ctx, "nope", HistoryOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReapTerminatesTimedOutSessions(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SessionTimeout = 20 * time.Millisecond })
	ctx := context.Background()

	stale, err := f.mgr.CreateSession(ctx, shellTemplate("shell", "stale"), CreateOptions{})
	require.NoError(t, err)
	keep := shellTemplate("shell", "forever")
	keep.Timeout = time.Hour
	_, err = f.mgr.CreateSession(ctx, keep, CreateOptions{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.mgr.Reap(ctx))
	assert.Equal(t, 1, f.mgr.Count())

	v, err := f.mgr.GetSessionIncludingTerminated(ctx, stale.ID(), GetOptions{})
	require.NoError(t, err)
	assert.True(t, v.Archived)
	assert.Contains(t, v.TerminationReason, "idle timeout")

	_, err = f.mgr.GetSession("forever")
	assert.NoError(t, err)
}

func TestReapRetiresTerminatedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, shellTemplate("shell", ""), CreateOptions{})
	require.NoError(t, err)

	// Terminated directly, bypassing the manager.
	s.Terminate("external")
	assert.Equal(t, 1, f.mgr.Reap(ctx))
	assert.Equal(t, 0, f.mgr.Count())
	_, err = f.store.Load(ctx, s.ID())
	assert.NoError(t, err)
}

func TestReaperSchedule(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.SessionTimeout = 10 * time.Millisecond
		o.ReapInterval = time.Second
	})
	_, err := f.mgr.CreateSession(context.Background(), shellTemplate("shell", ""), CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.StartReaper())
	require.NoError(t, f.mgr.StartReaper())
	require.Eventually(t, func() bool { return f.mgr.Count() == 0 }, 5*time.Second, 50*time.Millisecond)
	f.mgr.StopReaper()
}

func TestInactiveHookForwarded(t *testing.T) {
	fired := make(chan string, 1)
	f := newFixture(t, func(o *Options) {
		o.InactivityThreshold = 20 * time.Millisecond
		o.OnInactive = func(id string) {
			select {
			case fired <- id:
			default:
			}
		}
	})
	s, err := f.mgr.CreateSession(context.Background(), shellTemplate("shell", ""), CreateOptions{})
	require.NoError(t, err)

	select {
	case id := <-fired:
		assert.Equal(t, s.ID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("inactivity was not reported")
	}
}

func TestListViewsIncludesArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.mgr.CreateSession(ctx, shellTemplate("shell", "a"), CreateOptions{})
	require.NoError(t, err)
	_, err = f.mgr.CreateSession(ctx, shellTemplate("shell", "b"), CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.mgr.TerminateSession(ctx, a.ID(), "done"))

	assert.Len(t, f.mgr.ListViews(false), 1)
	all := f.mgr.ListViews(true)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID(), all[0].SessionID)
	assert.True(t, all[0].Archived)
}

func TestShutdownPersistsLiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, shellTemplate("shell", ""), CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Shutdown(ctx))
	assert.Equal(t, 0, f.mgr.Count())
	assert.True(t, f.spawner.Last().Terminated())

	rec, err := f.store.Load(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, "server shutdown", rec.TerminationReason)
}

func TestTerminateUnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.TerminateSession(context.Background(), "ghost", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatchArchivePicksUpExternalRecords(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.mgr.WatchArchive(ctx))

	other, err := store.NewFileStore(f.store.Dir())
	require.NoError(t, err)
	now := time.Now()
	_, err = other.Save(context.Background(), store.Record{SessionID: "elsewhere", CreatedAt: now, TerminatedAt: &now}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := f.mgr.ResolveIDFromAliasOrID("elsewhere")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestArchivedHistoryCursorIsAbsolute(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.BufferMaxBytes = 8 })
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, shellTemplate("shell", "small"), CreateOptions{})
	require.NoError(t, err)
	for _, chunk := range []string{"0123", "4567", "89ab", "cdef"} {
		f.spawner.Last().Emit(chunk)
	}

	live, err := f.mgr.GetSessionHistory(ctx, s.ID(), HistoryOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(16), live.Cursor)
	assert.Equal(t, "89abcdef", live.Output)

	require.NoError(t, f.mgr.TerminateSession(ctx, s.ID(), "done"))
	fresh := New(Options{Spawner: ptytest.NewSpawner(), Store: f.store})
	_, errs := fresh.LoadTerminatedSessionsFromDisk(ctx)
	require.Empty(t, errs)

	archived, err := fresh.GetSessionHistory(ctx, s.ID(), HistoryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", archived.Output)
	assert.Equal(t, live.Cursor, archived.Cursor)
}

func TestArchivedAliasResolvesToLatestTermination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	earlyEnd := base.Add(20 * time.Minute)
	lateEnd := base.Add(40 * time.Minute)

	// "newer" was created later but ended first.
	_, err := f.store.Save(ctx, store.Record{
		SessionID: "newer", SessionAlias: "build",
		CreatedAt: base.Add(10 * time.Minute), TerminatedAt: &earlyEnd,
	}, nil)
	require.NoError(t, err)
	_, err = f.store.Save(ctx, store.Record{
		SessionID: "older", SessionAlias: "build",
		CreatedAt: base, TerminatedAt: &lateEnd,
	}, nil)
	require.NoError(t, err)

	_, errs := f.mgr.LoadTerminatedSessionsFromDisk(ctx)
	require.Empty(t, errs)

	id, ok := f.mgr.ResolveIDFromAliasOrID("build")
	require.True(t, ok)
	assert.Equal(t, "older", id)
}
