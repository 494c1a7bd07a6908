// Package store persists metadata and buffered output of terminated
// sessions. Two backends are provided: FileStore keeps one JSON document per
// session next to a compressed history blob, SQLStore keeps both in sqlite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a session id.
	ErrNotFound = errors.New("session record not found")
	// ErrMetadataCorrupt is wrapped by every *CorruptRecordError.
	ErrMetadataCorrupt = errors.New("session metadata corrupt")
)

// CorruptRecordError reports a persisted record that could not be parsed.
type CorruptRecordError struct {
	Source string
	Err    error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt session record %s: %v", e.Source, e.Err)
}

func (e *CorruptRecordError) Unwrap() []error {
	return []error{ErrMetadataCorrupt, e.Err}
}

// Record is the durable form of a terminated session.
type Record struct {
	SessionID                         string     `json:"session_id"`
	SessionAlias                      string     `json:"session_alias"`
	TemplateID                        string     `json:"template_id"`
	WorkspaceServiceEnabledForSession bool       `json:"workspace_service_enabled_for_session"`
	WorkspaceServicePort              *int       `json:"workspace_service_port"`
	CreatedAt                         time.Time  `json:"created_at"`
	TerminatedAt                      *time.Time `json:"terminated_at"`
	TerminationReason                 string     `json:"termination_reason"`
	HistoryRef                        string     `json:"history_ref"`
	Command                           string     `json:"command,omitempty"`
	WorkingDir                        string     `json:"working_dir,omitempty"`
	Cols                              uint16     `json:"cols,omitempty"`
	Rows                              uint16     `json:"rows,omitempty"`
	ExitCode                          *int       `json:"exit_code,omitempty"`
	// HistoryEnd is the absolute output offset just past the last byte
	// the session produced, matching a live session's cursor.
	HistoryEnd uint64 `json:"history_end,omitempty"`
}

// Validate checks the fields every record must carry.
func (r Record) Validate() error {
	if r.SessionID == "" {
		return errors.New("missing session_id")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("missing created_at")
	}
	return nil
}

// Store persists terminated-session records. Save overwrites any previous
// record for the same session.
type Store interface {
	// Save writes rec and, when history is non-nil, its buffered output.
	// The returned record carries the resulting HistoryRef.
	Save(ctx context.Context, rec Record, history []byte) (Record, error)
	Load(ctx context.Context, sessionID string) (Record, error)
	// LoadAll returns every readable record. Unreadable records are skipped
	// and reported in the error slice.
	LoadAll(ctx context.Context) ([]Record, []error)
	LoadHistory(ctx context.Context, rec Record) ([]byte, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}
