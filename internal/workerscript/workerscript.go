// Package workerscript embeds the auth-worker JavaScript module deployed to
// the edge for every session (spec.md §4.6) and provides the small Go-side
// helpers C6 needs to assemble a edge.WorkerDeployOptions: the module source
// itself, plus per-session binding wiring for an optional HTML injection
// string. Grounded on the teacher's //go:embed usage in internal/db/db.go
// (embed.FS for *.sql migrations) — the same embedding idiom, applied to a
// script instead of SQL.
package workerscript

import (
	_ "embed"
)

//go:embed auth_worker.js
var Source string

// ModuleName is the main_module filename used when deploying the script.
const ModuleName = "index.js"

// InjectionBinding is the environment binding name the worker reads the
// optional HTML injection fragment from (empty means "no injection").
const InjectionBinding = "KML_INJECTION"

// Bindings merges a session's worker_bindings with the injection binding,
// ready to hand to edge.WorkerDeployOptions.Bindings.
func Bindings(extra map[string]string, injection string) map[string]string {
	out := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	if injection != "" {
		out[InjectionBinding] = injection
	}
	return out
}

// Files returns the module map for edge.WorkerDeployOptions.Files: the
// embedded auth-worker script plus any caller-supplied extra modules.
func Files(extra map[string]string) map[string]string {
	out := make(map[string]string, len(extra)+1)
	out[ModuleName] = Source
	for k, v := range extra {
		out[k] = v
	}
	return out
}
