// Package snapshot implements C5, the sandbox manager: idempotent
// creation/deletion of the shared base snapshot used by every session of a
// service, plus the destroy sweep that tears an entire catalog down
// (spec.md §4.5).
//
// deploy/snapshot_create/snapshot_delete are grounded on
// internal/sandbox/manager.go's idempotent "find-or-create" resource
// lifecycle. destroy's per-session concurrency is new relative to the
// teacher (nothing in cli-server tears down many independent resources at
// once) but is the direct, idiomatic fit for "fan out independent per-
// session cleanups, keep each one's own steps ordered": golang.org/x/sync/
// errgroup, a dependency the teacher already carries for its own k8s
// reconciliation fan-out, used here for the analogous cleanup fan-out.
package snapshot

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rbdotrun/kml/internal/apierr"
	"github.com/rbdotrun/kml/internal/edge"
	"github.com/rbdotrun/kml/internal/provider"
)

const (
	snapshotCPUMillicores = 2000
	snapshotMemoryGiB     = 4
	snapshotDiskGiB       = 10

	deployWaitTimeout = 10 * time.Minute
)

// deleteSettleDelay is a var, not a const, so tests can shrink it to 0 and
// avoid actually sleeping (see setDeleteSettleDelayForTest in
// snapshot_export_test.go).
var deleteSettleDelay = 3 * time.Second

// Manager owns the lifecycle of one service's shared base snapshot.
type Manager struct {
	Provider  provider.Provider
	BuildFile string // the fixed build recipe content for this service
}

// Name returns the snapshot name for a service, per spec.md §3.
func Name(service string) string {
	return "kml-" + service
}

// Deploy builds the base snapshot if it does not already exist
// (spec.md §4.5 deploy()). A snapshot found in "error" or "failed" status is
// not treated as reusable: it is deleted and rebuilt, the same as Create's
// delete-then-rebuild path, since a caller would otherwise resume sessions
// against a snapshot that can never finish provisioning a sandbox.
func (m *Manager) Deploy(ctx context.Context, service string) error {
	name := Name(service)

	existing, err := m.Provider.FindSnapshotByName(ctx, name)
	if err != nil {
		return fmt.Errorf("find snapshot %s: %w", name, err)
	}
	if existing == nil {
		return m.build(ctx, name)
	}
	if !snapshotFailed(existing.Status) {
		return nil
	}

	if err := m.Provider.DeleteSnapshot(ctx, existing.ID); err != nil && !apierr.IsNotFound(err) {
		return fmt.Errorf("delete failed snapshot %s: %w", name, err)
	}
	select {
	case <-time.After(deleteSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return m.build(ctx, name)
}

func snapshotFailed(status string) bool {
	return status == "error" || status == "failed"
}

// Create unconditionally rebuilds the base snapshot: delete any existing
// one, let the deletion propagate, then build fresh (spec.md §4.5
// snapshot_create()).
func (m *Manager) Create(ctx context.Context, service string) error {
	name := Name(service)

	existing, err := m.Provider.FindSnapshotByName(ctx, name)
	if err != nil {
		return fmt.Errorf("find snapshot %s: %w", name, err)
	}
	if existing != nil {
		if err := m.Provider.DeleteSnapshot(ctx, existing.ID); err != nil && !apierr.IsNotFound(err) {
			return fmt.Errorf("delete existing snapshot %s: %w", name, err)
		}
		select {
		case <-time.After(deleteSettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return m.build(ctx, name)
}

// Delete removes the base snapshot if present (spec.md §4.5
// snapshot_delete()).
func (m *Manager) Delete(ctx context.Context, service string) error {
	name := Name(service)

	existing, err := m.Provider.FindSnapshotByName(ctx, name)
	if err != nil {
		return fmt.Errorf("find snapshot %s: %w", name, err)
	}
	if existing == nil {
		return nil
	}
	if err := m.Provider.DeleteSnapshot(ctx, existing.ID); err != nil && !apierr.IsNotFound(err) {
		return fmt.Errorf("delete snapshot %s: %w", name, err)
	}
	return nil
}

func (m *Manager) build(ctx context.Context, name string) error {
	snap, err := m.Provider.CreateSnapshot(ctx, name, m.BuildFile, snapshotCPUMillicores, snapshotMemoryGiB, snapshotDiskGiB)
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", name, err)
	}
	if err := m.Provider.WaitForSnapshot(ctx, snap.ID, deployWaitTimeout); err != nil {
		return fmt.Errorf("wait for snapshot %s: %w", name, err)
	}
	return nil
}

// DestroyTarget is the minimal per-session state destroy needs: whichever
// resource ids the session record currently carries.
type DestroyTarget struct {
	Slug       string
	SandboxID  *string
	TunnelID   *string
	WorkerName string
	Hostname   string
}

// Destroy tears down every session in targets concurrently: each session's
// own steps (delete sandbox, then delete worker+tunnel, then callback) run
// in order, but independent sessions run in parallel via errgroup, per
// spec.md §4.5's destroy(). The base snapshot is left intact. onDeleted is
// invoked once per session, after its resources are torn down, so the
// caller can remove it from the catalog; failures in either individual step
// are swallowed per spec.md §7's cleanup-failure policy and do not stop the
// sweep over the remaining sessions.
func Destroy(ctx context.Context, p provider.Provider, e edge.Edge, targets []DestroyTarget, onDeleted func(slug string)) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, target := range targets {
		target := target
		g.Go(func() error {
			destroyOne(gctx, p, e, target)
			onDeleted(target.Slug)
			return nil
		})
	}

	return g.Wait()
}

func destroyOne(ctx context.Context, p provider.Provider, e edge.Edge, target DestroyTarget) {
	if target.SandboxID != nil {
		if err := p.DeleteSandbox(ctx, *target.SandboxID); err != nil && !apierr.IsNotFound(err) {
			log.Printf("destroy %s: delete sandbox %s: %v", target.Slug, *target.SandboxID, err)
		}
	}
	if e == nil {
		return
	}
	if target.WorkerName != "" {
		if err := e.DeleteWorker(ctx, target.WorkerName, target.Hostname); err != nil {
			log.Printf("destroy %s: delete worker %s: %v", target.Slug, target.WorkerName, err)
		}
	}
	if target.TunnelID != nil {
		if err := e.DeleteTunnel(ctx, *target.TunnelID); err != nil {
			log.Printf("destroy %s: delete tunnel %s: %v", target.Slug, *target.TunnelID, err)
		}
	}
}
