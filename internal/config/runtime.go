package config

import (
	"os"
	"path/filepath"
	"strings"
)

// RuntimeMode represents the execution environment
type RuntimeMode string

const (
	// DockerMode indicates running inside a container
	DockerMode RuntimeMode = "docker"
	// NativeMode indicates running on the host system
	NativeMode RuntimeMode = "native"
)

// RuntimeConfig holds the directories that depend on where the server runs.
type RuntimeConfig struct {
	Mode    RuntimeMode
	DataDir string
	HomeDir string
}

// DetectRuntime determines the current runtime environment and returns appropriate configuration
func DetectRuntime() *RuntimeConfig {
	mode := detectMode()

	rc := &RuntimeConfig{Mode: mode}

	switch mode {
	case DockerMode:
		rc.HomeDir = "/root"
		if home := os.Getenv("HOME"); home != "" {
			rc.HomeDir = home
		}
		rc.DataDir = "/volume/shellhost"
	case NativeMode:
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.Getenv("HOME")
			if homeDir == "" {
				homeDir = "."
			}
		}
		rc.HomeDir = homeDir
		rc.DataDir = filepath.Join(homeDir, ".shellhost")
	}

	return rc
}

// detectMode determines if we're running in a container or natively
func detectMode() RuntimeMode {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return DockerMode
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		if strings.Contains(string(data), "docker") || strings.Contains(string(data), "containerd") {
			return DockerMode
		}
	}

	if os.Getenv("SHELLHOST_CONTAINER") == "true" {
		return DockerMode
	}

	return NativeMode
}

// IsDocker returns true if running in Docker mode
func (rc *RuntimeConfig) IsDocker() bool {
	return rc.Mode == DockerMode
}

// IsNative returns true if running in Native mode
func (rc *RuntimeConfig) IsNative() bool {
	return rc.Mode == NativeMode
}
