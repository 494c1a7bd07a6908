// Package templates loads already-resolved session templates. Inheritance
// and sandbox overlays are applied upstream; every record here is flat.
package templates

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/vanpelt/shellhost/internal/workspace"
	"gopkg.in/yaml.v2"
)

// Resolved is a flat session template.
type Resolved struct {
	ID             string            `yaml:"id" json:"id"`
	Alias          string            `yaml:"alias,omitempty" json:"alias,omitempty"`
	Autostart      bool              `yaml:"autostart" json:"autostart"`
	Interactive    *bool             `yaml:"interactive,omitempty" json:"interactive,omitempty"`
	LoadHistory    *bool             `yaml:"load_history,omitempty" json:"load_history,omitempty"`
	PersistHistory *bool             `yaml:"persist_history,omitempty" json:"persist_history,omitempty"`
	Command        string            `yaml:"command" json:"command"`
	WorkingDir     string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Parameters     map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Sandbox        bool              `yaml:"sandbox" json:"sandbox"`
	Isolation      string            `yaml:"isolation,omitempty" json:"isolation,omitempty"`

	WorkspaceService bool `yaml:"workspace_service" json:"workspace_service"`

	// Timeout overrides the server's idle session timeout.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// InactivityThreshold overrides how long output must pause before the
	// session counts as idle.
	InactivityThreshold time.Duration `yaml:"inactivity_threshold,omitempty" json:"inactivity_threshold,omitempty"`

	Cols uint16 `yaml:"cols,omitempty" json:"cols,omitempty"`
	Rows uint16 `yaml:"rows,omitempty" json:"rows,omitempty"`
}

type file struct {
	Templates []Resolved `yaml:"templates"`
}

// IsInteractive defaults to true.
func (r Resolved) IsInteractive() bool { return r.Interactive == nil || *r.Interactive }

// ShouldLoadHistory defaults to true.
func (r Resolved) ShouldLoadHistory() bool { return r.LoadHistory == nil || *r.LoadHistory }

// ShouldPersistHistory defaults to true.
func (r Resolved) ShouldPersistHistory() bool { return r.PersistHistory == nil || *r.PersistHistory }

// IsolationMode parses Isolation. A sandboxed template without an explicit
// mode runs in a container.
func (r Resolved) IsolationMode() (workspace.Isolation, error) {
	mode, err := workspace.ParseIsolation(r.Isolation)
	if err != nil {
		return workspace.IsolationNone, err
	}
	if mode == workspace.IsolationNone && r.Sandbox && r.Isolation == "" {
		return workspace.IsolationContainer, nil
	}
	return mode, nil
}

// Env renders Parameters as KEY=VALUE pairs in key order.
func (r Resolved) Env() []string {
	keys := make([]string, 0, len(r.Parameters))
	for k := range r.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+r.Parameters[k])
	}
	return env
}

// Validate checks the fields a session cannot be created without.
func (r Resolved) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if _, err := r.IsolationMode(); err != nil {
		return fmt.Errorf("template %s: %w", r.ID, err)
	}
	if r.Timeout < 0 || r.InactivityThreshold < 0 {
		return fmt.Errorf("template %s: durations must not be negative", r.ID)
	}
	return nil
}

// Parse decodes a YAML document with a top-level "templates" list.
func Parse(data []byte) ([]Resolved, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	seen := make(map[string]bool, len(f.Templates))
	for _, t := range f.Templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return f.Templates, nil
}

// LoadFile reads and parses a templates file.
func LoadFile(path string) ([]Resolved, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file %s: %w", path, err)
	}
	return Parse(data)
}
