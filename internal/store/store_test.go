package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func sampleRecord(id string, port *int) Record {
	terminated := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	return Record{
		SessionID:                         id,
		SessionAlias:                      "alias-" + id,
		TemplateID:                        "shell",
		WorkspaceServiceEnabledForSession: port != nil,
		WorkspaceServicePort:              port,
		CreatedAt:                         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TerminatedAt:                      &terminated,
		TerminationReason:                 "idle timeout",
		Command:                           "/bin/bash -l",
		WorkingDir:                        "/tmp",
		Cols:                              80,
		Rows:                              24,
		HistoryEnd:                        4096,
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	sq, err := OpenSQLStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"file": fs, "sqlite": sq}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			saved, err := st.Save(ctx, sampleRecord("with-port", intPtr(45678)), []byte("\x1b[32mhello\x1b[0m\r\n"))
			require.NoError(t, err)
			assert.NotEmpty(t, saved.HistoryRef)

			_, err = st.Save(ctx, sampleRecord("no-port", nil), nil)
			require.NoError(t, err)

			got, err := st.Load(ctx, "with-port")
			require.NoError(t, err)
			assert.True(t, got.WorkspaceServiceEnabledForSession)
			require.NotNil(t, got.WorkspaceServicePort)
			assert.Equal(t, 45678, *got.WorkspaceServicePort)
			assert.Equal(t, "alias-with-port", got.SessionAlias)
			assert.Equal(t, "idle timeout", got.TerminationReason)
			assert.True(t, got.CreatedAt.Equal(sampleRecord("x", nil).CreatedAt))
			require.NotNil(t, got.TerminatedAt)
			assert.Equal(t, saved.HistoryRef, got.HistoryRef)
			assert.Equal(t, uint64(4096), got.HistoryEnd)

			history, err := st.LoadHistory(ctx, got)
			require.NoError(t, err)
			assert.Equal(t, "\x1b[32mhello\x1b[0m\r\n", string(history))

			none, err := st.Load(ctx, "no-port")
			require.NoError(t, err)
			assert.False(t, none.WorkspaceServiceEnabledForSession)
			assert.Nil(t, none.WorkspaceServicePort)
			history, err = st.LoadHistory(ctx, none)
			require.NoError(t, err)
			assert.Nil(t, history)

			all, errs := st.LoadAll(ctx)
			assert.Empty(t, errs)
			assert.Len(t, all, 2)
		})
	}
}

func TestStoreSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := sampleRecord("s1", nil)
			_, err := st.Save(ctx, rec, []byte("first"))
			require.NoError(t, err)

			rec.TerminationReason = "shutdown"
			rec.WorkspaceServicePort = intPtr(45001)
			_, err = st.Save(ctx, rec, []byte("second"))
			require.NoError(t, err)

			got, err := st.Load(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "shutdown", got.TerminationReason)
			assert.Equal(t, 45001, *got.WorkspaceServicePort)
			history, err := st.LoadHistory(ctx, got)
			require.NoError(t, err)
			assert.Equal(t, "second", string(history))

			all, _ := st.LoadAll(ctx)
			assert.Len(t, all, 1)
		})
	}
}

func TestStoreNotFoundAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = st.Save(ctx, sampleRecord("gone", nil), []byte("x"))
			require.NoError(t, err)
			require.NoError(t, st.Delete(ctx, "gone"))
			_, err = st.Load(ctx, "gone")
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, st.Delete(ctx, "gone"))
		})
	}
}

func TestStoreRejectsInvalidRecord(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Save(context.Background(), Record{}, nil)
			assert.ErrorContains(t, err, "session_id")
		})
	}
}

func TestFileStoreSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = st.Save(ctx, sampleRecord("good", nil), nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty-id.json"), []byte(`{"session_id":""}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-half.json-123"), []byte("{"), 0644))

	records, errs := st.LoadAll(ctx)
	require.Len(t, records, 1)
	assert.Equal(t, "good", records[0].SessionID)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrMetadataCorrupt)
		var corrupt *CorruptRecordError
		assert.ErrorAs(t, err, &corrupt)
	}

	_, err = st.Load(ctx, "broken")
	assert.ErrorIs(t, err, ErrMetadataCorrupt)
}

func TestFileStoreWritesNullPort(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = st.Save(context.Background(), sampleRecord("np", nil), nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "np.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"workspace_service_port": null`)
	assert.Contains(t, string(data), `"workspace_service_enabled_for_session": false`)
}

func TestFileStoreSanitizesIDs(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = st.Save(context.Background(), sampleRecord("../../etc/passwd", nil), []byte("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), "/"))
	}
	got, err := st.Load(context.Background(), "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "../../etc/passwd", got.SessionID)

	_, err = st.LoadHistory(context.Background(), Record{SessionID: "x", HistoryRef: "../outside"})
	assert.ErrorIs(t, err, ErrMetadataCorrupt)
}

func TestFileStoreWatch(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan Record, 4)
	require.NoError(t, st.Watch(ctx, func(r Record) { seen <- r }))

	// Another writer dropping a record into the directory.
	other, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = other.Save(context.Background(), sampleRecord("external", intPtr(45999)), nil)
	require.NoError(t, err)

	select {
	case r := <-seen:
		assert.Equal(t, "external", r.SessionID)
		assert.Equal(t, 45999, *r.WorkspaceServicePort)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the new record")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("terminal output ", 500))
	blob, err := compress(data)
	require.NoError(t, err)
	assert.Less(t, len(blob), len(data))
	out, err := decompress(blob)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
