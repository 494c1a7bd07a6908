package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/vanpelt/shellhost/internal/logger"
	"github.com/vanpelt/shellhost/internal/recovery"
)

const (
	metadataExt = ".json"
	historyExt  = ".history.br"
	tempPrefix  = ".tmp-"
)

// FileStore keeps <id>.json metadata and <id>.history.br output blobs in
// one directory. Writes go through a temp file and rename so a crash never
// leaves a half-written record behind.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session metadata directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir is the metadata directory.
func (s *FileStore) Dir() string { return s.dir }

// sanitizeID replaces path separators so an id can never escape the dir.
func sanitizeID(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	id = strings.ReplaceAll(id, ":", "_")
	return strings.TrimLeft(id, ".")
}

func (s *FileStore) metadataPath(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+metadataExt)
}

func (s *FileStore) Save(ctx context.Context, rec Record, history []byte) (Record, error) {
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("refusing to save session record: %w", err)
	}

	if history != nil {
		blob, err := compress(history)
		if err != nil {
			return rec, err
		}
		ref := sanitizeID(rec.SessionID) + historyExt
		if err := s.writeAtomic(ref, blob); err != nil {
			return rec, fmt.Errorf("failed to write session history: %w", err)
		}
		rec.HistoryRef = ref
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return rec, fmt.Errorf("failed to marshal session record: %w", err)
	}
	if err := s.writeAtomic(sanitizeID(rec.SessionID)+metadataExt, data); err != nil {
		return rec, fmt.Errorf("failed to write session record: %w", err)
	}
	return rec, nil
}

func (s *FileStore) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+name+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	return s.readRecord(s.metadataPath(sessionID))
}

func (s *FileStore) readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read session record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, &CorruptRecordError{Source: path, Err: err}
	}
	if err := rec.Validate(); err != nil {
		return Record{}, &CorruptRecordError{Source: path, Err: err}
	}
	return rec, nil
}

func (s *FileStore) LoadAll(ctx context.Context) ([]Record, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read session metadata directory: %w", err)}
	}

	var records []Record
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return records, append(errs, err)
		}
		if !isMetadataFile(entry.Name()) || entry.IsDir() {
			continue
		}
		rec, err := s.readRecord(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, errs
}

func isMetadataFile(name string) bool {
	return strings.HasSuffix(name, metadataExt) && !strings.HasPrefix(name, tempPrefix)
}

func (s *FileStore) LoadHistory(ctx context.Context, rec Record) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rec.HistoryRef == "" {
		return nil, nil
	}
	// Refs are bare file names inside the store directory.
	if filepath.Base(rec.HistoryRef) != rec.HistoryRef {
		return nil, &CorruptRecordError{Source: rec.SessionID, Err: fmt.Errorf("invalid history_ref %q", rec.HistoryRef)}
	}
	blob, err := os.ReadFile(filepath.Join(s.dir, rec.HistoryRef))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}
	return decompress(blob)
}

func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := sanitizeID(sessionID)
	for _, name := range []string{base + metadataExt, base + historyExt} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// Watch calls fn for every record that appears or changes in the directory
// until ctx is done. Records written by another process are picked up this
// way. Unreadable files are logged and skipped.
func (s *FileStore) Watch(ctx context.Context, fn func(Record)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	recovery.SafeGoWithCleanup("store-watch", func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isMetadataFile(filepath.Base(event.Name)) {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				rec, err := s.readRecord(event.Name)
				if err != nil {
					logger.Warnf("⚠️ Ignoring session record %s: %v", event.Name, err)
					continue
				}
				fn(rec)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("⚠️ Session record watcher error: %v", err)

			case <-ctx.Done():
				return
			}
		}
	}, func() { watcher.Close() })

	return nil
}
