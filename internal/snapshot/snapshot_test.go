package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rbdotrun/kml/internal/apierr"
	"github.com/rbdotrun/kml/internal/edge"
	"github.com/rbdotrun/kml/internal/provider"
)

// fakeProvider is a minimal provider.Provider double recording the calls
// snapshot.Manager and Destroy make.
type fakeProvider struct {
	mu sync.Mutex

	snapshots map[string]*provider.Snapshot
	createErr error

	deletedSandboxes []string
	deleteSandboxErr error
}

var _ provider.Provider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{snapshots: make(map[string]*provider.Snapshot)}
}

func (f *fakeProvider) CreateSnapshot(_ context.Context, name, _ string, _ int, _, _ int) (*provider.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	snap := &provider.Snapshot{ID: "snap-" + name, Name: name, Status: "ready"}
	f.snapshots[name] = snap
	return snap, nil
}

func (f *fakeProvider) FindSnapshotByName(_ context.Context, name string) (*provider.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[name], nil
}

func (f *fakeProvider) WaitForSnapshot(_ context.Context, _ string, _ time.Duration) error { return nil }

func (f *fakeProvider) DeleteSnapshot(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, snap := range f.snapshots {
		if snap.ID == id {
			delete(f.snapshots, name)
		}
	}
	return nil
}

func (f *fakeProvider) CreateSandbox(context.Context, provider.CreateSandboxOptions) (*provider.Sandbox, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeProvider) GetSandbox(context.Context, string) (*provider.Sandbox, error) { return nil, nil }
func (f *fakeProvider) FindSandboxByName(context.Context, string) (*provider.Sandbox, error) {
	return nil, nil
}
func (f *fakeProvider) ListSandboxes(context.Context) ([]*provider.Sandbox, error) { return nil, nil }
func (f *fakeProvider) StartSandbox(context.Context, string) error                { return nil }
func (f *fakeProvider) StopSandbox(context.Context, string) error                 { return nil }

func (f *fakeProvider) DeleteSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSandboxes = append(f.deletedSandboxes, id)
	return f.deleteSandboxErr
}

func (f *fakeProvider) WaitForSandbox(context.Context, string, []string, time.Duration) error {
	return nil
}
func (f *fakeProvider) UploadFile(context.Context, string, string, []byte) error { return nil }
func (f *fakeProvider) GitClone(context.Context, string, provider.GitCloneOptions) error {
	return nil
}
func (f *fakeProvider) ExecuteCommand(context.Context, string, string, time.Duration) (*provider.ExecResult, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeProvider) CreateSession(context.Context, string, string) error          { return nil }
func (f *fakeProvider) SessionExecute(context.Context, string, string, string) error { return nil }
func (f *fakeProvider) RunPTYCommand(context.Context, string, string, time.Duration, provider.OnChunk) error {
	return nil
}

// fakeEdge is a minimal edge.Edge double recording Destroy's calls.
type fakeEdge struct {
	mu              sync.Mutex
	deletedWorkers  []string
	deletedTunnels  []string
}

var _ edge.Edge = (*fakeEdge)(nil)

func (f *fakeEdge) CreateTunnel(context.Context, string, string) (*edge.Tunnel, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeEdge) DeleteTunnel(_ context.Context, tunnelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedTunnels = append(f.deletedTunnels, tunnelID)
	return nil
}
func (f *fakeEdge) EnsureTunnelDNS(context.Context, string, string) error { return nil }
func (f *fakeEdge) DeployWorker(context.Context, edge.WorkerDeployOptions) error {
	return fmt.Errorf("not implemented")
}
func (f *fakeEdge) DeleteWorker(_ context.Context, workerName, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedWorkers = append(f.deletedWorkers, workerName)
	return nil
}

func TestDeployIsNoOpWhenSnapshotExists(t *testing.T) {
	p := newFakeProvider()
	p.snapshots[Name("demo")] = &provider.Snapshot{ID: "existing", Name: Name("demo"), Status: "ready"}
	m := &Manager{Provider: p, BuildFile: "FROM ruby"}

	if err := m.Deploy(context.Background(), "demo"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if len(p.deletedSandboxes) != 0 {
		t.Fatal("deploy should not touch sandboxes")
	}
	if p.snapshots[Name("demo")].ID != "existing" {
		t.Fatal("deploy should not rebuild an existing snapshot")
	}
}

func TestDeployBuildsWhenMissing(t *testing.T) {
	p := newFakeProvider()
	m := &Manager{Provider: p, BuildFile: "FROM ruby"}

	if err := m.Deploy(context.Background(), "demo"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, ok := p.snapshots[Name("demo")]; !ok {
		t.Fatal("expected snapshot to be built")
	}
}

func TestDeployRebuildsSnapshotInErrorStatus(t *testing.T) {
	p := newFakeProvider()
	p.snapshots[Name("demo")] = &provider.Snapshot{ID: "broken-id", Name: Name("demo"), Status: "error"}
	m := &Manager{Provider: p, BuildFile: "FROM ruby"}

	origDelay := deleteSettleDelay
	t.Cleanup(func() { setDeleteSettleDelayForTest(origDelay) })
	setDeleteSettleDelayForTest(0)

	if err := m.Deploy(context.Background(), "demo"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if p.snapshots[Name("demo")].ID == "broken-id" {
		t.Fatal("expected an error-status snapshot to be rebuilt, not reused")
	}
	if p.snapshots[Name("demo")].Status != "ready" {
		t.Fatalf("rebuilt snapshot status = %q, want ready", p.snapshots[Name("demo")].Status)
	}
}

func TestDeployRebuildsSnapshotInFailedStatus(t *testing.T) {
	p := newFakeProvider()
	p.snapshots[Name("demo")] = &provider.Snapshot{ID: "broken-id", Name: Name("demo"), Status: "failed"}
	m := &Manager{Provider: p, BuildFile: "FROM ruby"}

	origDelay := deleteSettleDelay
	t.Cleanup(func() { setDeleteSettleDelayForTest(origDelay) })
	setDeleteSettleDelayForTest(0)

	if err := m.Deploy(context.Background(), "demo"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if p.snapshots[Name("demo")].ID == "broken-id" {
		t.Fatal("expected a failed-status snapshot to be rebuilt, not reused")
	}
}

func TestCreateRebuildsEvenIfExisting(t *testing.T) {
	p := newFakeProvider()
	p.snapshots[Name("demo")] = &provider.Snapshot{ID: "old-id", Name: Name("demo"), Status: "ready"}
	m := &Manager{Provider: p, BuildFile: "FROM ruby"}

	origDelay := deleteSettleDelay
	t.Cleanup(func() { setDeleteSettleDelayForTest(origDelay) })
	setDeleteSettleDelayForTest(0)

	if err := m.Create(context.Background(), "demo"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.snapshots[Name("demo")].ID == "old-id" {
		t.Fatal("expected snapshot to be rebuilt with a fresh id")
	}
}

func TestDeleteToleratesAbsence(t *testing.T) {
	p := newFakeProvider()
	m := &Manager{Provider: p}
	if err := m.Delete(context.Background(), "demo"); err != nil {
		t.Fatalf("delete of nonexistent snapshot should not error: %v", err)
	}
}

func TestDestroyTearsDownEverySessionConcurrently(t *testing.T) {
	p := newFakeProvider()
	e := &fakeEdge{}

	sbxA, tunA := "sa", "ta"
	sbxB := "sb"
	targets := []DestroyTarget{
		{Slug: "a", SandboxID: &sbxA, TunnelID: &tunA, WorkerName: "kml-v-a", Hostname: "a.example.com"},
		{Slug: "b", SandboxID: &sbxB, WorkerName: "kml-v-b", Hostname: "b.example.com"},
	}

	var deleted []string
	var mu sync.Mutex
	err := Destroy(context.Background(), p, e, targets, func(slug string) {
		mu.Lock()
		deleted = append(deleted, slug)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}

	sort.Strings(deleted)
	if len(deleted) != 2 || deleted[0] != "a" || deleted[1] != "b" {
		t.Fatalf("onDeleted callbacks = %v", deleted)
	}
	sort.Strings(p.deletedSandboxes)
	if len(p.deletedSandboxes) != 2 || p.deletedSandboxes[0] != "sa" || p.deletedSandboxes[1] != "sb" {
		t.Fatalf("deleted sandboxes = %v", p.deletedSandboxes)
	}
	if len(e.deletedTunnels) != 1 || e.deletedTunnels[0] != "ta" {
		t.Fatalf("deleted tunnels = %v", e.deletedTunnels)
	}
	sort.Strings(e.deletedWorkers)
	if len(e.deletedWorkers) != 2 {
		t.Fatalf("deleted workers = %v", e.deletedWorkers)
	}
}

func TestDestroyToleratesMissingSandbox(t *testing.T) {
	p := newFakeProvider()
	p.deleteSandboxErr = apierr.FromStatus(404, "gone")
	e := &fakeEdge{}

	sbxA := "sa"
	targets := []DestroyTarget{{Slug: "a", SandboxID: &sbxA}}

	err := Destroy(context.Background(), p, e, targets, func(string) {})
	if err != nil {
		t.Fatalf("destroy should tolerate a not-found sandbox delete: %v", err)
	}
}

// setDeleteSettleDelayForTest is defined in an internal test-only file so
// TestCreateRebuildsEvenIfExisting doesn't actually sleep.
