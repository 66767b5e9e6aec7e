// Package supervisor owns service process lifecycle: spawn, handshake,
// health, and teardown. It never restarts a process on its own; a dead
// service stays dead until a caller starts a fresh one.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ServiceSpec declares how to launch one tool service.
type ServiceSpec struct {
	// Name identifies the service to the registry and dispatcher. Unique
	// within a manifest.
	Name string `json:"name"`
	// Command is the executable; resolved against PATH when not absolute.
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// WorkDir is the child's working directory; empty inherits ours.
	WorkDir string `json:"workDir,omitempty"`
	// Env entries override the inherited environment.
	Env map[string]string `json:"env,omitempty"`
}

// Validate checks the spec can plausibly be launched.
func (s ServiceSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("service spec missing name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %q: missing command", s.Name)
	}
	for k := range s.Env {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("service %q: empty env key", s.Name)
		}
	}
	return nil
}

// Manifest is the on-disk list of services a host should run.
type Manifest struct {
	Services []ServiceSpec `json:"services"`
}

// LoadManifest reads and validates a manifest file. Duplicate service names
// are rejected so registry and dispatcher keys stay unambiguous.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(m.Services))
	for _, spec := range m.Services {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("manifest %s: duplicate service %q", path, spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	return &m, nil
}
