// Package provider defines C1, the sandbox-provider client contract: typed
// RPC to create/list/wait/delete snapshots and sandboxes, upload files, clone
// a git repo, execute one-shot commands, open persistent shell sessions, and
// stream PTY output. Concrete backends live in sibling packages
// (httpprovider for the production Daytona-class REST API, localprovider and
// dockerprovider for development/testing).
package provider

import (
	"context"
	"io"
	"time"
)

// Snapshot is the provider's record for an immutable base image (spec.md §3).
type Snapshot struct {
	ID     string
	Name   string
	Status string // "pending" | "building" | "ready" | "active" | "error" | "failed"
}

// Sandbox is the provider's record for one ephemeral sandbox instance.
type Sandbox struct {
	ID     string
	Name   string
	Status string // "started" | "running" | "stopping" | "stopped" | "error"
}

// ExecResult is the outcome of a synchronous, single-shot command.
type ExecResult struct {
	ExitCode int
	Output   string // combined stdout+stderr
}

// CreateSandboxOptions mirrors the provider's sandbox-create request body
// (spec.md §4.1: "create_sandbox({snapshot, name, env, public:false,
// auto_stop_interval:0})").
type CreateSandboxOptions struct {
	Snapshot          string
	Name              string
	Env               map[string]string
	Public            bool
	AutoStopInterval  int
}

// Process is a PTY-like, bidirectional byte stream bound to a running
// command — the local analogue of the teacher's process.Process interface,
// generalized to also carry a resize and a completion channel (Done carries
// no exit code).
type Process interface {
	io.ReadWriter
	Resize(rows, cols uint16) error
	Done() <-chan struct{}
	Close() error
}

// OnChunk is the push callback a PTY stream delivers raw bytes to, per
// spec.md §4.1/§9 ("Streaming PTY output is modeled as a push callback
// on_chunk(bytes)").
type OnChunk func(chunk []byte)

// Provider is the full C1 contract.
type Provider interface {
	// Snapshots.
	CreateSnapshot(ctx context.Context, name, buildFile string, cpuMillicores int, memoryGiB, diskGiB int) (*Snapshot, error)
	FindSnapshotByName(ctx context.Context, name string) (*Snapshot, error)
	WaitForSnapshot(ctx context.Context, id string, timeout time.Duration) error
	DeleteSnapshot(ctx context.Context, id string) error

	// Sandboxes.
	CreateSandbox(ctx context.Context, opts CreateSandboxOptions) (*Sandbox, error)
	GetSandbox(ctx context.Context, id string) (*Sandbox, error)
	FindSandboxByName(ctx context.Context, name string) (*Sandbox, error)
	ListSandboxes(ctx context.Context) ([]*Sandbox, error)
	StartSandbox(ctx context.Context, id string) error
	StopSandbox(ctx context.Context, id string) error
	DeleteSandbox(ctx context.Context, id string) error
	WaitForSandbox(ctx context.Context, id string, wantStates []string, timeout time.Duration) error

	// File and repo operations.
	UploadFile(ctx context.Context, sandboxID, path string, content []byte) error
	GitClone(ctx context.Context, sandboxID string, opts GitCloneOptions) error

	// Commands.
	ExecuteCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*ExecResult, error)

	// Persistent background shells (spec.md §4.1, §9: "create operation plus
	// a fire-and-forget execute operation").
	CreateSession(ctx context.Context, sandboxID, sessionID string) error
	SessionExecute(ctx context.Context, sandboxID, sessionID, command string) error

	// Streaming PTY.
	RunPTYCommand(ctx context.Context, sandboxID, command string, timeout time.Duration, onChunk OnChunk) error
}

// GitCloneOptions mirrors spec.md §4.6 step 4.
type GitCloneOptions struct {
	URL      string
	Path     string
	Branch   string
	Username string // "x-access-token" when a token is supplied
	Password string // the git token
}
