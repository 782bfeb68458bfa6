// Package localprovider implements provider.Provider by running commands
// behind a real PTY on the host, with no network dependency. It exists for
// development (spec.md §9's PTY-stream contract applies equally here); no
// test in this repository uses it. It is grounded on the teacher's
// internal/container.containerProcess (creack/pty + io.Pipe-free direct
// os.File read/write); it never resizes the PTY.
package localprovider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/rbdotrun/kml/internal/apierr"
	"github.com/rbdotrun/kml/internal/provider"
)

// Provider is a single-host, PTY-backed C1 implementation. Each "sandbox" is
// a directory on the host; there is no real isolation — it is a development
// backend, not a sandboxing mechanism.
type Provider struct {
	mu        sync.Mutex
	root      string
	sandboxes map[string]*sandboxState
	snapshots map[string]*provider.Snapshot
}

type sandboxState struct {
	sandbox *provider.Sandbox
	dir     string
	procs   map[string]*ptyProcess
}

// New creates a Provider rooted at dir (each sandbox gets a subdirectory).
func New(dir string) *Provider {
	return &Provider{
		root:      dir,
		sandboxes: make(map[string]*sandboxState),
		snapshots: make(map[string]*provider.Snapshot),
	}
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) CreateSnapshot(_ context.Context, name, _ string, _ int, _, _ int) (*provider.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := &provider.Snapshot{ID: "snap-" + name, Name: name, Status: "ready"}
	p.snapshots[name] = snap
	return snap, nil
}

func (p *Provider) FindSnapshotByName(_ context.Context, name string) (*provider.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots[name], nil
}

func (p *Provider) WaitForSnapshot(_ context.Context, _ string, _ time.Duration) error {
	return nil // snapshots are synchronously "ready" in the local backend
}

func (p *Provider) DeleteSnapshot(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, snap := range p.snapshots {
		if snap.ID == id {
			delete(p.snapshots, name)
			return nil
		}
	}
	return nil
}

func (p *Provider) CreateSandbox(_ context.Context, opts provider.CreateSandboxOptions) (*provider.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := "sbx-" + opts.Name
	dir := p.root + "/" + id
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}

	sbx := &provider.Sandbox{ID: id, Name: opts.Name, Status: "running"}
	p.sandboxes[id] = &sandboxState{sandbox: sbx, dir: dir, procs: make(map[string]*ptyProcess)}
	return sbx, nil
}

func (p *Provider) GetSandbox(_ context.Context, id string) (*provider.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sandboxes[id]
	if !ok {
		return nil, nil
	}
	return s.sandbox, nil
}

func (p *Provider) FindSandboxByName(_ context.Context, name string) (*provider.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sandboxes {
		if s.sandbox.Name == name {
			return s.sandbox, nil
		}
	}
	return nil, nil
}

func (p *Provider) ListSandboxes(_ context.Context) ([]*provider.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*provider.Sandbox, 0, len(p.sandboxes))
	for _, s := range p.sandboxes {
		out = append(out, s.sandbox)
	}
	return out, nil
}

func (p *Provider) StartSandbox(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sandboxes[id]
	if !ok {
		return fmt.Errorf("sandbox %s not found", id)
	}
	s.sandbox.Status = "running"
	return nil
}

func (p *Provider) StopSandbox(_ context.Context, id string) error {
	p.mu.Lock()
	s, ok := p.sandboxes[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	for _, proc := range s.procs {
		proc.Close()
	}
	s.sandbox.Status = "stopped"
	return nil
}

func (p *Provider) DeleteSandbox(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sandboxes[id]
	if !ok {
		return nil
	}
	for _, proc := range s.procs {
		proc.Close()
	}
	delete(p.sandboxes, id)
	return os.RemoveAll(s.dir)
}

func (p *Provider) WaitForSandbox(_ context.Context, id string, wantStates []string, _ time.Duration) error {
	sbx, err := p.GetSandbox(context.Background(), id)
	if err != nil || sbx == nil {
		return apierr.Timeout("wait for sandbox " + id)
	}
	for _, s := range wantStates {
		if sbx.Status == s {
			return nil
		}
	}
	return apierr.Timeout("wait for sandbox " + id)
}

func (p *Provider) UploadFile(_ context.Context, sandboxID, path string, content []byte) error {
	s, err := p.state(sandboxID)
	if err != nil {
		return err
	}
	full := s.dir + "/" + path
	if err := os.MkdirAll(dirOf(full), 0o755); err != nil {
		return fmt.Errorf("mkdir for upload: %w", err)
	}
	return os.WriteFile(full, content, 0o644)
}

func (p *Provider) GitClone(_ context.Context, sandboxID string, opts provider.GitCloneOptions) error {
	s, err := p.state(sandboxID)
	if err != nil {
		return err
	}
	cmd := exec.Command("git", "clone", "--branch", opts.Branch, opts.URL, s.dir+"/"+opts.Path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone: %w: %s", err, out)
	}
	return nil
}

func (p *Provider) ExecuteCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*provider.ExecResult, error) {
	s, err := p.state(sandboxID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = s.dir
	out, err := cmd.CombinedOutput()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, fmt.Errorf("execute %q: %w", command, err)
		}
	}
	return &provider.ExecResult{ExitCode: exitCode, Output: string(out)}, nil
}

func (p *Provider) state(sandboxID string) (*sandboxState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("sandbox %s not found", sandboxID)
	}
	return s, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// ptyProcess bridges an *exec.Cmd running behind a PTY to the provider's
// session/PTY-streaming operations.
type ptyProcess struct {
	cmd  *exec.Cmd
	f    *os.File
	done chan struct{}
	once sync.Once
}

func startPTY(dir, command string) (*ptyProcess, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	proc := &ptyProcess{cmd: cmd, f: f, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		proc.once.Do(func() { close(proc.done) })
	}()
	return proc, nil
}

func (p *ptyProcess) Close() error {
	p.f.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.once.Do(func() { close(p.done) })
	return nil
}

// CreateSession starts a persistent PTY-backed shell under the given name.
func (p *Provider) CreateSession(_ context.Context, sandboxID, sessionID string) error {
	s, err := p.state(sandboxID)
	if err != nil {
		return err
	}
	proc, err := startPTY(s.dir, "sh")
	if err != nil {
		return fmt.Errorf("create session %s: %w", sessionID, err)
	}
	p.mu.Lock()
	s.procs[sessionID] = proc
	p.mu.Unlock()
	return nil
}

// SessionExecute writes a command line into the named session's PTY.
func (p *Provider) SessionExecute(_ context.Context, sandboxID, sessionID, command string) error {
	p.mu.Lock()
	s, ok := p.sandboxes[sandboxID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("sandbox %s not found", sandboxID)
	}
	proc, ok := s.procs[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found on sandbox %s", sessionID, sandboxID)
	}
	_, err := proc.f.WriteString(command + "\n")
	return err
}

// RunPTYCommand runs a one-shot command behind a PTY, streaming raw bytes to
// onChunk until the command exits or timeout elapses.
func (p *Provider) RunPTYCommand(ctx context.Context, sandboxID, command string, timeout time.Duration, onChunk provider.OnChunk) error {
	s, err := p.state(sandboxID)
	if err != nil {
		return err
	}
	proc, err := startPTY(s.dir, command)
	if err != nil {
		return err
	}
	defer proc.Close()

	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := proc.f.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk)
			}
			if rerr != nil {
				readDone <- nil
				return
			}
		}
	}()

	select {
	case <-proc.done:
		<-readDone
		return nil
	case <-runCtx.Done():
		proc.Close()
		<-readDone
		return apierr.Timeout("pty command on sandbox " + sandboxID)
	case err := <-readDone:
		return err
	}
}
