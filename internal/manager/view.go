package manager

import (
	"time"

	"github.com/vanpelt/shellhost/internal/session"
	"github.com/vanpelt/shellhost/internal/store"
)

// View is the read-only projection of a live or archived session.
type View struct {
	SessionID                         string        `json:"session_id"`
	SessionAlias                      string        `json:"session_alias"`
	TemplateID                        string        `json:"template_id"`
	WorkspaceServiceEnabledForSession bool          `json:"workspace_service_enabled_for_session"`
	WorkspaceServicePort              *int          `json:"workspace_service_port"`
	IsActive                          bool          `json:"is_active"`
	State                             session.State `json:"state"`
	Archived                          bool          `json:"archived"`
	ConnectedClients                  int           `json:"connected_clients"`
	Command                           string        `json:"command,omitempty"`
	WorkingDir                        string        `json:"working_dir,omitempty"`
	Cols                              uint16        `json:"cols"`
	Rows                              uint16        `json:"rows"`
	CreatedAt                         time.Time     `json:"created_at"`
	LastActivity                      *time.Time    `json:"last_activity,omitempty"`
	TerminatedAt                      *time.Time    `json:"terminated_at"`
	TerminationReason                 string        `json:"termination_reason,omitempty"`
	ExitCode                          *int          `json:"exit_code,omitempty"`
}

// History is a View plus buffered output.
type History struct {
	View
	Output string `json:"output"`
	// Cursor is the offset just past the last byte of Output; pass it back
	// when reattaching to resume without duplicates.
	Cursor    uint64 `json:"cursor"`
	PlainText string `json:"plain_text,omitempty"`
}

func viewFromSnapshot(snap session.Snapshot) View {
	last := snap.LastActivity
	return View{
		SessionID:                         snap.ID,
		SessionAlias:                      snap.Alias,
		TemplateID:                        snap.TemplateID,
		WorkspaceServiceEnabledForSession: snap.WorkspaceServiceEnabled,
		WorkspaceServicePort:              snap.WorkspaceServicePort,
		IsActive:                          snap.IsActive,
		State:                             snap.State,
		ConnectedClients:                  snap.Clients,
		Command:                           snap.Command,
		WorkingDir:                        snap.Dir,
		Cols:                              snap.Cols,
		Rows:                              snap.Rows,
		CreatedAt:                         snap.CreatedAt,
		LastActivity:                      &last,
		TerminatedAt:                      snap.TerminatedAt,
		TerminationReason:                 snap.TerminationReason,
		ExitCode:                          snap.ExitCode,
	}
}

func viewFromRecord(rec store.Record) View {
	return View{
		SessionID:                         rec.SessionID,
		SessionAlias:                      rec.SessionAlias,
		TemplateID:                        rec.TemplateID,
		WorkspaceServiceEnabledForSession: rec.WorkspaceServiceEnabledForSession,
		WorkspaceServicePort:              rec.WorkspaceServicePort,
		IsActive:                          false,
		State:                             session.StateTerminated,
		Archived:                          true,
		Command:                           rec.Command,
		WorkingDir:                        rec.WorkingDir,
		Cols:                              rec.Cols,
		Rows:                              rec.Rows,
		CreatedAt:                         rec.CreatedAt,
		TerminatedAt:                      rec.TerminatedAt,
		TerminationReason:                 rec.TerminationReason,
		ExitCode:                          rec.ExitCode,
	}
}

func recordFromSnapshot(snap session.Snapshot) store.Record {
	return store.Record{
		SessionID:                         snap.ID,
		SessionAlias:                      snap.Alias,
		TemplateID:                        snap.TemplateID,
		WorkspaceServiceEnabledForSession: snap.WorkspaceServiceEnabled,
		WorkspaceServicePort:              snap.WorkspaceServicePort,
		CreatedAt:                         snap.CreatedAt,
		TerminatedAt:                      snap.TerminatedAt,
		TerminationReason:                 snap.TerminationReason,
		Command:                           snap.Command,
		WorkingDir:                        snap.Dir,
		Cols:                              snap.Cols,
		Rows:                              snap.Rows,
		ExitCode:                          snap.ExitCode,
	}
}
