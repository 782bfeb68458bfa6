// Package orchestrator implements C6, the session orchestrator: the heart
// of kml. It composes C1 (provider.Provider), C2 (edge.Edge), C4
// (runner.Backend) into the ordered start/run/stop/delete lifecycle of one
// session, per spec.md §4.6.
//
// The orchestrator owns no persistence of its own. Per spec.md §4.6 ("The
// event callback exposed to the caller receives ... The caller uses these
// to update the catalog durably"), it reports progress through an Events
// interface and takes its resume state (sandbox/tunnel ids) as plain fields
// on Config — the caller (cmd/) is responsible for round-tripping that
// state through internal/catalog. This mirrors the teacher's
// internal/sandbox.Manager, which depends only on its own db.DB field for
// namespace lookups and never reaches into a catalog-shaped abstraction of
// its own.
package orchestrator

import (
	"github.com/rbdotrun/kml/internal/edge"
	"github.com/rbdotrun/kml/internal/provider"
	"github.com/rbdotrun/kml/internal/runner"
)

// InstallStep is one entry of spec.md §4.6 step 8's install list: "either a
// string, or {name, command}".
type InstallStep struct {
	Name    string
	Command string
}

// NewInstallStep builds an InstallStep from a bare command string, the
// "just a string" shape of spec.md §6's install array.
func NewInstallStep(command string) InstallStep {
	return InstallStep{Command: command}
}

// label returns a human-readable name for progress reporting, falling back
// to the command itself when no explicit name was given.
func (s InstallStep) label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Command
}

// Config is the "configuration hash consumed by the orchestrator" of
// spec.md §6, translated field-for-field into a Go struct plus the resume
// keys a caller reads back out of a catalog.Record.
type Config struct {
	Slug        string // user-chosen session name
	ServiceName string // names the shared base snapshot, kml-<ServiceName>
	Domain      string // the edge CDN zone sessions are published under

	AI       runner.Backend
	Provider provider.Provider
	Edge     edge.Edge // optional; nil disables tunnel/worker/DNS steps

	GitRepo   string
	GitBranch string // default "main"
	GitToken  string

	Install   []InstallStep
	Processes map[string]string // Procfile entries, name -> command
	Env       map[string]string // ANTHROPIC_AUTH_TOKEN, ANTHROPIC_BASE_URL, ...

	WorkerFiles     map[string]string
	WorkerBindings  map[string]string
	WorkerInjection string

	// Resume keys: the caller supplies whatever it already persisted for
	// this slug (nil/zero for a brand new session).
	SandboxID   *string
	AccessToken string
	TunnelID    *string
	TunnelToken *string
}

func (c Config) gitBranch() string {
	if c.GitBranch != "" {
		return c.GitBranch
	}
	return "main"
}
