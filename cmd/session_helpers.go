package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/rbdotrun/kml/internal/catalog"
	"github.com/rbdotrun/kml/internal/orchestrator"
	"github.com/rbdotrun/kml/internal/runner"
)

// orchestratorFor builds an Orchestrator for an existing catalog record,
// wiring in the production provider/edge backends and this service's
// manifest (spec.md §6's "Configuration hash consumed by the orchestrator",
// assembled from the catalog's resume keys plus the manifest's static
// fields).
func orchestratorFor(cat *catalog.Catalog, m *manifest, rec *catalog.Record) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{
		Slug:            rec.Slug,
		ServiceName:     m.ServiceName,
		Domain:          domain(),
		AI:              runner.ClaudeBackend{},
		Provider:        buildProvider(),
		Edge:            buildEdge(),
		GitRepo:         m.GitRepo,
		GitBranch:       m.GitBranch,
		GitToken:        os.Getenv("GITHUB_TOKEN"),
		Install:         m.installSteps(),
		Processes:       m.Processes,
		Env:             aiEnv(),
		WorkerFiles:     m.WorkerFiles,
		WorkerBindings:  m.WorkerBindings,
		WorkerInjection: m.WorkerInjection,
		SandboxID:       rec.SandboxID,
		AccessToken:     rec.AccessToken,
		TunnelID:        rec.TunnelID,
		TunnelToken:     rec.TunnelToken,
	})
}

// requireSession loads the catalog record for slug or exits with a
// precondition error, per spec.md §7's Precondition taxonomy entry
// ("missing session record").
func requireSession(cat *catalog.Catalog, slug string) *catalog.Record {
	rec, ok := cat.Find(slug)
	if !ok {
		fatalf("session %q not found", slug)
	}
	return rec
}

// sessionEvents wires internal/orchestrator.Events straight into catalog
// writes, so Start's eleven steps persist their resume state durably in
// step order (spec.md §4.6: "The caller uses these to update the catalog
// durably").
func sessionEvents(cat *catalog.Catalog, slug string) orchestrator.Events {
	return orchestrator.FuncEvents{
		OnSandboxCreated: func(id string) {
			cat.Update(slug, func(r *catalog.Record) { r.SandboxID = &id })
		},
		OnTunnelCreated: func(tunnelID, tunnelToken string) {
			cat.Update(slug, func(r *catalog.Record) {
				r.TunnelID = &tunnelID
				r.TunnelToken = &tunnelToken
			})
		},
		OnInstallStart: func(step orchestrator.InstallStep) {
			fmt.Printf("install %s ...\n", installLabel(step))
		},
		OnInstallComplete: func(step orchestrator.InstallStep, exitCode int, output string) {
			marker := "done"
			if exitCode != 0 {
				marker = "warning"
			}
			progress("install "+installLabel(step), marker)
		},
	}
}

func installLabel(step orchestrator.InstallStep) string {
	if step.Name != "" {
		return step.Name
	}
	return step.Command
}

// orchestratorRunOptions builds the RunOptions for one "session prompt"
// invocation, streaming each filtered JSON line straight to out.
func orchestratorRunOptions(prompt string, resume bool, sessionID string, out *bufio.Writer) orchestrator.RunOptions {
	return orchestrator.RunOptions{
		Prompt:    prompt,
		Resume:    resume,
		SessionID: sessionID,
		OnLine: func(line []byte) {
			out.Write(line)
			out.WriteByte('\n')
			out.Flush()
		},
	}
}
