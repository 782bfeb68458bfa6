package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rbdotrun/kml/internal/orchestrator"
)

// manifestPath is the one small piece of per-service configuration the CLI
// reads on its own: everything else (credential entry, the full .env/YAML
// config reader, the built-in Rails runtime build recipe) is an external
// collaborator per spec.md §1. This is a plain JSON file rather than YAML
// or .env so it doesn't reimplement the excluded component.
const manifestPath = "kml.json"

// manifest is the on-disk shape of a service's "small configuration"
// (spec.md §1), translated into internal/orchestrator.Config fields.
type manifest struct {
	ServiceName string            `json:"service_name"`
	BuildFile   string            `json:"build_file"` // path to the snapshot build recipe
	GitRepo     string            `json:"git_repo"`
	GitBranch   string            `json:"git_branch"`
	Install     []installEntry    `json:"install"`
	Processes   map[string]string `json:"processes"`

	WorkerFiles     map[string]string `json:"worker_files,omitempty"`
	WorkerBindings  map[string]string `json:"worker_bindings,omitempty"`
	WorkerInjection string            `json:"worker_injection,omitempty"`
}

// installEntry accepts either a bare command string or {name, command},
// matching spec.md §4.6 step 8's "either a string, or {name, command}".
type installEntry struct {
	Name    string
	Command string
}

func (e *installEntry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		e.Command = s
		return nil
	}
	var obj struct {
		Name    string `json:"name"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("install entry must be a string or {name, command}: %w", err)
	}
	e.Name, e.Command = obj.Name, obj.Command
	return nil
}

func loadManifest() (*manifest, error) {
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestPath, err)
	}
	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestPath, err)
	}
	return &m, nil
}

func (m *manifest) installSteps() []orchestrator.InstallStep {
	steps := make([]orchestrator.InstallStep, len(m.Install))
	for i, e := range m.Install {
		steps[i] = orchestrator.InstallStep{Name: e.Name, Command: e.Command}
	}
	return steps
}

func (m *manifest) buildFileContent() string {
	if m.BuildFile == "" {
		return ""
	}
	b, err := os.ReadFile(m.BuildFile)
	if err != nil {
		fatalf("read build file %s: %v", m.BuildFile, err)
	}
	return string(b)
}
