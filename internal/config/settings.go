package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix for all settings.
const Prefix = "SHELLHOST"

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Alias conflict policies applied when a new session asks for an alias that
// is already bound to a live session.
const (
	AliasReject = "reject"
	AliasReuse  = "reuse"
)

// Settings is the process-wide configuration, read once at startup.
type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataDir      string `envconfig:"DATA_DIR" default:""`
	StoreBackend string `envconfig:"STORE_BACKEND" default:"file"`
	Dev          bool   `envconfig:"DEV" default:"false"`

	// Session defaults
	DefaultShell        string        `envconfig:"DEFAULT_SHELL" default:"/bin/bash"`
	BufferMaxBytes      int           `envconfig:"BUFFER_MAX_BYTES" default:"1048576"`
	InactivityThreshold time.Duration `envconfig:"INACTIVITY_THRESHOLD" default:"2s"`
	SessionTimeout      time.Duration `envconfig:"SESSION_TIMEOUT" default:"30m"`
	ReapInterval        time.Duration `envconfig:"REAP_INTERVAL" default:"1m"`
	AliasPolicy         string        `envconfig:"ALIAS_POLICY" default:"reject"`

	// Workspace service sidecar
	WorkspaceServiceEnabled bool `envconfig:"WORKSPACE_SERVICE_ENABLED" default:"false"`
	WorkspacePortStart      int  `envconfig:"WORKSPACE_PORT_START" default:"45000"`
	WorkspacePortCount      int  `envconfig:"WORKSPACE_PORT_COUNT" default:"1000"`

	TemplatesFile string `envconfig:"TEMPLATES_FILE" default:""`
}

// Load reads Settings from the environment and fills runtime-dependent
// defaults.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if s.DataDir == "" {
		s.DataDir = DetectRuntime().DataDir
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks enum and range fields.
func (s *Settings) Validate() error {
	switch s.StoreBackend {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("invalid %s_STORE_BACKEND %q (want %s or %s)", Prefix, s.StoreBackend, StoreFile, StoreSQLite)
	}
	switch s.AliasPolicy {
	case AliasReject, AliasReuse:
	default:
		return fmt.Errorf("invalid %s_ALIAS_POLICY %q (want %s or %s)", Prefix, s.AliasPolicy, AliasReject, AliasReuse)
	}
	if s.BufferMaxBytes <= 0 {
		return fmt.Errorf("%s_BUFFER_MAX_BYTES must be positive, got %d", Prefix, s.BufferMaxBytes)
	}
	if s.InactivityThreshold <= 0 {
		return fmt.Errorf("%s_INACTIVITY_THRESHOLD must be positive, got %s", Prefix, s.InactivityThreshold)
	}
	if s.ReapInterval <= 0 {
		return fmt.Errorf("%s_REAP_INTERVAL must be positive, got %s", Prefix, s.ReapInterval)
	}
	if s.WorkspacePortStart <= 0 || s.WorkspacePortStart+s.WorkspacePortCount > 65536 {
		return fmt.Errorf("invalid workspace port range %d+%d", s.WorkspacePortStart, s.WorkspacePortCount)
	}
	return nil
}

// MetadataDir is where terminated-session records are written.
func (s *Settings) MetadataDir() string {
	return filepath.Join(s.DataDir, "sessions")
}

// DatabasePath is the sqlite file used by the sqlite store backend.
func (s *Settings) DatabasePath() string {
	return filepath.Join(s.DataDir, "shellhost.db")
}
