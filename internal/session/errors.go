package session

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessSpawn is wrapped by every *ProcessSpawnError.
	ErrProcessSpawn = errors.New("process spawn failed")
	// ErrSessionTerminated is returned by operations on a terminated session.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrNotStarted is returned when writing to a session whose process has
	// not been spawned yet.
	ErrNotStarted = errors.New("session not started")
	// ErrStaleSync marks a sync operation for a client that is not in the
	// expected state. It is logged, never returned to callers.
	ErrStaleSync = errors.New("stale sync operation")
	// ErrClientNotAttached is returned for operations naming an unknown client.
	ErrClientNotAttached = errors.New("client not attached")
	// ErrReadOnlyClient is returned when a read-only client tries to write.
	ErrReadOnlyClient = errors.New("client is read-only")
)

// ProcessSpawnError reports a failed Start. The session stays non-active
// and Start may be retried.
type ProcessSpawnError struct {
	SessionID string
	Command   string
	Err       error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("session %s: failed to spawn %q: %v", e.SessionID, e.Command, e.Err)
}

func (e *ProcessSpawnError) Unwrap() []error {
	return []error{ErrProcessSpawn, e.Err}
}
