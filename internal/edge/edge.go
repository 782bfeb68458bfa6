// Package edge defines C2, the edge client contract: tunnel, DNS, and worker
// management at a Cloudflare-class CDN (spec.md §4.2).
package edge

import "context"

// Tunnel is the edge-side record for one dedicated tunnel.
type Tunnel struct {
	ID    string
	Token string // credential the in-sandbox tunnel daemon uses to connect
}

// WorkerDeployOptions mirrors spec.md §4.2/§4.6 and SPEC_FULL.md §4's
// concrete shapes for worker_files/worker_bindings/worker_injection.
type WorkerDeployOptions struct {
	WorkerName  string
	AccessToken string
	Hostname    string
	Files       map[string]string // extra ES module filename -> source
	Bindings    map[string]string // plain-text bindings (not secrets)
	Injection   string            // HTML fragment inserted before </body>
}

// Edge is the full C2 contract.
type Edge interface {
	// CreateTunnel finds or creates a tunnel by name, re-asserts its ingress
	// config, and returns its id and connect token (spec.md §4.2).
	CreateTunnel(ctx context.Context, name, hostname string) (*Tunnel, error)
	// DeleteTunnel first drops live connections, then the tunnel itself; a
	// failure to drop connections does not stop the tunnel delete, and a
	// failed tunnel delete is returned for the caller to log.
	DeleteTunnel(ctx context.Context, tunnelID string) error
	// EnsureTunnelDNS upserts a proxied CNAME hostname -> tunnelID.cfargotunnel.com.
	EnsureTunnelDNS(ctx context.Context, hostname, tunnelID string) error
	// DeployWorker uploads the auth-worker module plus any extra modules,
	// binds ACCESS_TOKEN as a secret and any extras as plain text, and
	// upserts a route hostname/* -> worker_name.
	DeployWorker(ctx context.Context, opts WorkerDeployOptions) error
	// DeleteWorker best-effort tears down the route, DNS CNAME records, and
	// the worker module; all failures are swallowed with a warning by the
	// caller per spec.md §7's cleanup-failure policy.
	DeleteWorker(ctx context.Context, workerName, hostname string) error
}
