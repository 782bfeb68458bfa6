package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbdotrun/kml/internal/edge"
	"github.com/rbdotrun/kml/internal/provider"
	"github.com/rbdotrun/kml/internal/runner"
)

// fakeProvider is a provider.Provider double recording every call the
// orchestrator makes, so tests can assert on call order and arguments
// (spec.md §8 scenario 1).
type fakeProvider struct {
	mu sync.Mutex

	sandboxesByName map[string]*provider.Sandbox
	createOpts       []provider.CreateSandboxOptions
	deletedSandboxes []string
	cloned           []provider.GitCloneOptions
	uploaded         map[string]string
	executed         []string
	execResult       *provider.ExecResult
	execErr          error
	sessionsCreated  []string
	sessionExecuted  []string
	ptyCommands      []string
	ptyErr           error
	sandboxStatus    string
}

var _ provider.Provider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sandboxesByName: make(map[string]*provider.Sandbox),
		uploaded:        make(map[string]string),
		execResult:      &provider.ExecResult{ExitCode: 0, Output: "ok"},
		sandboxStatus:   "running",
	}
}

func (f *fakeProvider) CreateSnapshot(context.Context, string, string, int, int, int) (*provider.Snapshot, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeProvider) FindSnapshotByName(context.Context, string) (*provider.Snapshot, error) {
	return nil, nil
}
func (f *fakeProvider) WaitForSnapshot(context.Context, string, time.Duration) error { return nil }
func (f *fakeProvider) DeleteSnapshot(context.Context, string) error                { return nil }

func (f *fakeProvider) CreateSandbox(_ context.Context, opts provider.CreateSandboxOptions) (*provider.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createOpts = append(f.createOpts, opts)
	sbx := &provider.Sandbox{ID: "sbx-" + opts.Name, Name: opts.Name, Status: f.sandboxStatus}
	f.sandboxesByName[opts.Name] = sbx
	return sbx, nil
}

func (f *fakeProvider) GetSandbox(_ context.Context, id string) (*provider.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sandboxesByName {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeProvider) FindSandboxByName(_ context.Context, name string) (*provider.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sandboxesByName[name], nil
}

func (f *fakeProvider) ListSandboxes(context.Context) ([]*provider.Sandbox, error) { return nil, nil }
func (f *fakeProvider) StartSandbox(context.Context, string) error                { return nil }
func (f *fakeProvider) StopSandbox(context.Context, string) error                 { return nil }

func (f *fakeProvider) DeleteSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSandboxes = append(f.deletedSandboxes, id)
	return nil
}

func (f *fakeProvider) WaitForSandbox(context.Context, string, []string, time.Duration) error {
	return nil
}

func (f *fakeProvider) UploadFile(_ context.Context, _ string, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded[path] = string(content)
	return nil
}

func (f *fakeProvider) GitClone(_ context.Context, _ string, opts provider.GitCloneOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cloned = append(f.cloned, opts)
	return nil
}

func (f *fakeProvider) ExecuteCommand(_ context.Context, _ string, command string, _ time.Duration) (*provider.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, command)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execResult, nil
}

func (f *fakeProvider) CreateSession(_ context.Context, _ string, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionsCreated = append(f.sessionsCreated, sessionID)
	return nil
}

func (f *fakeProvider) SessionExecute(_ context.Context, _ string, sessionID string, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionExecuted = append(f.sessionExecuted, sessionID+": "+command)
	return nil
}

func (f *fakeProvider) RunPTYCommand(_ context.Context, _ string, command string, _ time.Duration, onChunk provider.OnChunk) error {
	f.mu.Lock()
	f.ptyCommands = append(f.ptyCommands, command)
	err := f.ptyErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	onChunk([]byte(`{"type":"result","text":"hi"}` + "\n"))
	return nil
}

// fakeEdge is an edge.Edge double recording tunnel/worker/DNS calls.
type fakeEdge struct {
	mu sync.Mutex

	tunnel          *edge.Tunnel
	tunnelsCreated  []string
	dnsEnsured      []string
	workersDeployed []edge.WorkerDeployOptions
	workersDeleted  []string
	tunnelsDeleted  []string
}

var _ edge.Edge = (*fakeEdge)(nil)

func newFakeEdge() *fakeEdge {
	return &fakeEdge{tunnel: &edge.Tunnel{ID: "tun-1", Token: "tun-token"}}
}

func (f *fakeEdge) CreateTunnel(_ context.Context, name, hostname string) (*edge.Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tunnelsCreated = append(f.tunnelsCreated, name+"@"+hostname)
	return f.tunnel, nil
}

func (f *fakeEdge) DeleteTunnel(_ context.Context, tunnelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tunnelsDeleted = append(f.tunnelsDeleted, tunnelID)
	return nil
}

func (f *fakeEdge) EnsureTunnelDNS(_ context.Context, hostname, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dnsEnsured = append(f.dnsEnsured, hostname)
	return nil
}

func (f *fakeEdge) DeployWorker(_ context.Context, opts edge.WorkerDeployOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workersDeployed = append(f.workersDeployed, opts)
	return nil
}

func (f *fakeEdge) DeleteWorker(_ context.Context, workerName, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workersDeleted = append(f.workersDeleted, workerName)
	return nil
}

func baseConfig(p *fakeProvider, e *fakeEdge) Config {
	return Config{
		Slug:        "test-run",
		ServiceName: "demo",
		Domain:      "kml.example.com",
		AI:          runner.ClaudeBackend{},
		Provider:    p,
		Edge:        e,
		GitRepo:     "https://github.com/u/r.git",
		Install:     []InstallStep{NewInstallStep("bundle install")},
		Processes:   map[string]string{"web": "bin/rails s -b 0.0.0.0"},
		Env:         map[string]string{"ANTHROPIC_AUTH_TOKEN": "sk-tok"},
		AccessToken: strings.Repeat("a", 64),
	}
}

func TestStartFreshSession(t *testing.T) {
	p := newFakeProvider()
	e := newFakeEdge()
	o := New(baseConfig(p, e))

	var sandboxCreated string
	var tunnelCreated, tunnelToken string
	events := FuncEvents{
		OnSandboxCreated: func(id string) { sandboxCreated = id },
		OnTunnelCreated:  func(id, tok string) { tunnelCreated, tunnelToken = id, tok },
	}

	if err := o.Start(context.Background(), events); err != nil {
		t.Fatalf("start: %v", err)
	}

	if sandboxCreated == "" {
		t.Fatal("expected SandboxCreated event to fire")
	}
	if tunnelCreated != "tun-1" || tunnelToken != "tun-token" {
		t.Fatalf("expected TunnelCreated event, got %q/%q", tunnelCreated, tunnelToken)
	}

	if len(p.createOpts) != 1 {
		t.Fatalf("expected one CreateSandbox call, got %d", len(p.createOpts))
	}
	opts := p.createOpts[0]
	if opts.Snapshot != "kml-demo" || opts.Name != "kml-demo-test-run" || opts.Public || opts.AutoStopInterval != 0 {
		t.Fatalf("unexpected CreateSandbox options: %+v", opts)
	}

	if len(e.tunnelsCreated) != 1 || e.tunnelsCreated[0] != "kml-demo-test-run@test-run.kml.example.com" {
		t.Fatalf("unexpected tunnel create call: %v", e.tunnelsCreated)
	}
	if len(e.dnsEnsured) != 1 || e.dnsEnsured[0] != "test-run.kml.example.com" {
		t.Fatalf("unexpected DNS call: %v", e.dnsEnsured)
	}
	if len(e.workersDeployed) != 1 {
		t.Fatalf("expected one worker deploy, got %d", len(e.workersDeployed))
	}
	deployed := e.workersDeployed[0]
	if deployed.Hostname != "test-run.kml.example.com" || deployed.AccessToken != strings.Repeat("a", 64) {
		t.Fatalf("unexpected worker deploy options: %+v", deployed)
	}

	if procfile := p.uploaded["/home/daytona/app/Procfile"]; procfile != "web: bin/rails s -b 0.0.0.0\n" {
		t.Fatalf("unexpected Procfile: %q", procfile)
	}

	if len(p.cloned) != 1 || p.cloned[0].Branch != "main" {
		t.Fatalf("unexpected git clone: %+v", p.cloned)
	}

	found := false
	for _, s := range p.sessionExecuted {
		if strings.HasPrefix(s, "app: ") && strings.Contains(s, "overmind start") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an app-session overmind start command, got %v", p.sessionExecuted)
	}
}

func TestStartDeletesStaleSandboxFirst(t *testing.T) {
	p := newFakeProvider()
	p.sandboxesByName["kml-demo-test-run"] = &provider.Sandbox{ID: "old-sbx", Name: "kml-demo-test-run", Status: "running"}
	e := newFakeEdge()
	o := New(baseConfig(p, e))

	if err := o.Start(context.Background(), NoopEvents{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(p.deletedSandboxes) != 1 || p.deletedSandboxes[0] != "old-sbx" {
		t.Fatalf("expected old sandbox to be deleted first, got %v", p.deletedSandboxes)
	}
}

func TestStartReusesExistingTunnel(t *testing.T) {
	p := newFakeProvider()
	e := newFakeEdge()
	cfg := baseConfig(p, e)
	existingID, existingToken := "existing-tun", "existing-token"
	cfg.TunnelID = &existingID
	cfg.TunnelToken = &existingToken
	o := New(cfg)

	if err := o.Start(context.Background(), NoopEvents{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(e.tunnelsCreated) != 0 {
		t.Fatalf("expected no new tunnel to be created, got %v", e.tunnelsCreated)
	}
	if len(e.dnsEnsured) != 1 {
		t.Fatalf("expected DNS to still be ensured, got %v", e.dnsEnsured)
	}
}

func TestStartFailsOnInstallError(t *testing.T) {
	p := newFakeProvider()
	p.execResult = &provider.ExecResult{ExitCode: 1, Output: "bash: false: command not found"}
	e := newFakeEdge()
	cfg := baseConfig(p, e)
	cfg.Install = []InstallStep{NewInstallStep("false")}
	o := New(cfg)

	var completeCalled bool
	var gotExitCode int
	events := FuncEvents{
		OnInstallComplete: func(step InstallStep, exitCode int, output string) {
			completeCalled = true
			gotExitCode = exitCode
		},
	}

	err := o.Start(context.Background(), events)
	if err == nil {
		t.Fatal("expected install failure to abort start")
	}
	if !strings.Contains(err.Error(), "exit code") || !strings.Contains(err.Error(), "false") {
		t.Fatalf("error should name the command and exit code: %v", err)
	}
	if !completeCalled || gotExitCode != 1 {
		t.Fatalf("expected InstallComplete(exitCode=1), completeCalled=%v exitCode=%d", completeCalled, gotExitCode)
	}
	if o.SandboxID() == nil {
		t.Fatal("sandbox id must still be recorded so a later delete can clean up")
	}
}

func TestRunUsesResumeFlag(t *testing.T) {
	p := newFakeProvider()
	e := newFakeEdge()
	cfg := baseConfig(p, e)
	sbxID := "sbx-existing"
	cfg.SandboxID = &sbxID
	p.sandboxesByName["kml-demo-test-run"] = &provider.Sandbox{ID: sbxID, Name: "kml-demo-test-run", Status: "running"}
	o := New(cfg)

	var lines [][]byte
	_, err := o.Run(context.Background(), RunOptions{
		Prompt:    "more",
		Resume:    true,
		SessionID: "u1",
		OnLine:    func(l []byte) { lines = append(lines, append([]byte(nil), l...)) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(p.ptyCommands) != 1 || !strings.Contains(p.ptyCommands[0], "--resume u1") {
		t.Fatalf("expected --resume u1 in command, got %v", p.ptyCommands)
	}
	if strings.Contains(p.ptyCommands[0], "--session-id") {
		t.Fatalf("resume run should not also pass --session-id: %v", p.ptyCommands)
	}
	if len(lines) != 1 {
		t.Fatalf("expected one filtered JSON line, got %d", len(lines))
	}
}

func TestRunFailsFastWhenSandboxNotRunning(t *testing.T) {
	p := newFakeProvider()
	e := newFakeEdge()
	o := New(baseConfig(p, e))

	_, err := o.Run(context.Background(), RunOptions{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected precondition error when no sandbox has been started")
	}
}

func TestDeleteTearsDownSandboxAndEdge(t *testing.T) {
	p := newFakeProvider()
	e := newFakeEdge()
	cfg := baseConfig(p, e)
	sbxID, tunID := "sbx-1", "tun-1"
	cfg.SandboxID = &sbxID
	cfg.TunnelID = &tunID
	o := New(cfg)

	if err := o.Delete(context.Background()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(p.deletedSandboxes) != 1 || p.deletedSandboxes[0] != "sbx-1" {
		t.Fatalf("expected sandbox to be deleted, got %v", p.deletedSandboxes)
	}
	if len(e.workersDeleted) != 1 || e.workersDeleted[0] != "kml-demo-test-run" {
		t.Fatalf("expected worker to be deleted, got %v", e.workersDeleted)
	}
	if len(e.tunnelsDeleted) != 1 || e.tunnelsDeleted[0] != "tun-1" {
		t.Fatalf("expected tunnel to be deleted, got %v", e.tunnelsDeleted)
	}
}

func TestProcessStatusesParsesOvermindOutput(t *testing.T) {
	p := newFakeProvider()
	p.execResult = &provider.ExecResult{ExitCode: 0, Output: "web     | running\nworker  | crashed\n"}
	e := newFakeEdge()
	cfg := baseConfig(p, e)
	sbxID := "sbx-1"
	cfg.SandboxID = &sbxID
	o := New(cfg)

	statuses, err := o.ProcessStatuses(context.Background())
	if err != nil {
		t.Fatalf("process_statuses: %v", err)
	}
	if len(statuses) != 2 || statuses[0] != (ProcessStatus{Name: "web", State: "running"}) || statuses[1] != (ProcessStatus{Name: "worker", State: "crashed"}) {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

func TestNormalizeGitURL(t *testing.T) {
	cases := map[string]string{
		"git@github.com:acme/repo.git":  "https://github.com/acme/repo.git",
		"https://github.com/acme/repo":  "https://github.com/acme/repo",
	}
	for in, want := range cases {
		if got := normalizeGitURL(in); got != want {
			t.Errorf("normalizeGitURL(%q) = %q, want %q", in, got, want)
		}
	}
}
