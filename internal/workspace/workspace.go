// Package workspace decides which sessions get a workspace-service sidecar
// and hands out the ports those sidecars listen on.
package workspace

import (
	"fmt"
	"strings"
)

// Isolation is how a session's process is separated from the host.
type Isolation string

const (
	IsolationNone      Isolation = "none"
	IsolationContainer Isolation = "container"
	IsolationDirectory Isolation = "directory"
)

// ParseIsolation accepts the template spelling of an isolation mode. An
// empty string means none.
func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(strings.ToLower(strings.TrimSpace(s))) {
	case "", IsolationNone:
		return IsolationNone, nil
	case IsolationContainer:
		return IsolationContainer, nil
	case IsolationDirectory:
		return IsolationDirectory, nil
	default:
		return IsolationNone, fmt.Errorf("unknown isolation mode %q", s)
	}
}

// Enabled reports whether a session gets a workspace service: the feature
// must be on globally and for the template, and the session must run
// isolated in a container or its own directory.
func Enabled(global, template bool, isolation Isolation) bool {
	if !global || !template {
		return false
	}
	return isolation == IsolationContainer || isolation == IsolationDirectory
}
