package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rbdotrun/kml/internal/apierr"
	"github.com/rbdotrun/kml/internal/edge"
	"github.com/rbdotrun/kml/internal/provider"
	"github.com/rbdotrun/kml/internal/runner"
	"github.com/rbdotrun/kml/internal/workerscript"
)

// codePath is where every session's repo is cloned inside its sandbox
// (spec.md §4.6 "Naming").
const codePath = "/home/daytona/app"

// sandboxUser is the OS user inside the base image the Postgres superuser
// is created to match (spec.md §4.6 step 7).
const sandboxUser = "daytona"

const (
	deleteSettleDelay     = 2 * time.Second
	waitForSandboxTimeout = 120 * time.Second
	waitForStoppedTimeout = 30 * time.Second
	installTimeout        = 600 * time.Second
	shortCommandTimeout   = 60 * time.Second
	restartTimeout        = 30 * time.Second
	statusTimeout         = 30 * time.Second
)

var sshGitURL = regexp.MustCompile(`^git@([^:]+):(.+)$`)

// Orchestrator drives the full lifecycle of one session, composing C1-C5
// per spec.md §4.6's eleven-step start sequence. Grounded on
// internal/sandbox/manager.go's ordered create->wait->exec sequencing and
// its "record the identifier before doing anything else" discipline: there,
// the session map gets an entry right after startExec; here, the caller's
// catalog record gets sandbox_id right after CreateSandbox, via
// Events.SandboxCreated, per invariant I2 and step 2.
type Orchestrator struct {
	cfg Config
}

// New returns an Orchestrator for one session, described by cfg.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// resourceName is the one name the sandbox, the worker, and the tunnel share
// (spec.md §4.6 "Naming"): kml-<service>-<slug>.
func (o *Orchestrator) resourceName() string {
	return fmt.Sprintf("kml-%s-%s", o.cfg.ServiceName, o.cfg.Slug)
}

func (o *Orchestrator) snapshotName() string {
	return "kml-" + o.cfg.ServiceName
}

func (o *Orchestrator) hostname() string {
	return o.cfg.Slug + "." + o.cfg.Domain
}

func (o *Orchestrator) dbName() string {
	return strings.ReplaceAll(o.cfg.Slug, "-", "_") + "_dev"
}

// Start runs spec.md §4.6's eleven-step lifecycle. Steps execute strictly
// in order; a failure partway through is returned as-is with no
// compensating rollback (spec.md §7, §9) — whatever state events already
// reported stays valid for a later Delete to clean up.
func (o *Orchestrator) Start(ctx context.Context, events Events) error {
	if events == nil {
		events = NoopEvents{}
	}
	p := o.cfg.Provider
	name := o.resourceName()

	// Step 1: delete any stale sandbox of this session's name first.
	if existing, err := p.FindSandboxByName(ctx, name); err != nil {
		return fmt.Errorf("find existing sandbox %s: %w", name, err)
	} else if existing != nil {
		if err := p.DeleteSandbox(ctx, existing.ID); err != nil && !apierr.IsNotFound(err) {
			return fmt.Errorf("delete existing sandbox %s: %w", name, err)
		}
		select {
		case <-time.After(deleteSettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Step 2: create the sandbox, record its id immediately.
	sbx, err := p.CreateSandbox(ctx, provider.CreateSandboxOptions{
		Snapshot:         o.snapshotName(),
		Name:             name,
		Env:              o.cfg.Env,
		Public:           false,
		AutoStopInterval: 0,
	})
	if err != nil {
		return fmt.Errorf("create sandbox %s: %w", name, err)
	}
	o.cfg.SandboxID = &sbx.ID
	events.SandboxCreated(sbx.ID)

	// Step 3: wait for the sandbox to become reachable.
	if err := p.WaitForSandbox(ctx, sbx.ID, []string{"started", "running"}, waitForSandboxTimeout); err != nil {
		return fmt.Errorf("wait for sandbox %s: %w", sbx.ID, err)
	}

	// Step 4: clone the repo, if configured.
	if o.cfg.GitRepo != "" {
		username, password := "", ""
		if o.cfg.GitToken != "" {
			username, password = "x-access-token", o.cfg.GitToken
		}
		if err := p.GitClone(ctx, sbx.ID, provider.GitCloneOptions{
			URL:      normalizeGitURL(o.cfg.GitRepo),
			Path:     codePath,
			Branch:   o.cfg.gitBranch(),
			Username: username,
			Password: password,
		}); err != nil {
			return fmt.Errorf("clone %s: %w", o.cfg.GitRepo, err)
		}
	}

	// Step 5: tunnel + DNS.
	if o.cfg.Edge != nil {
		if o.cfg.TunnelID == nil {
			tun, err := o.cfg.Edge.CreateTunnel(ctx, name, o.hostname())
			if err != nil {
				return fmt.Errorf("create tunnel %s: %w", name, err)
			}
			o.cfg.TunnelID = &tun.ID
			o.cfg.TunnelToken = &tun.Token
			events.TunnelCreated(tun.ID, tun.Token)
		}
		if err := o.cfg.Edge.EnsureTunnelDNS(ctx, o.hostname(), *o.cfg.TunnelID); err != nil {
			return fmt.Errorf("ensure tunnel DNS for %s: %w", o.hostname(), err)
		}
	}

	// Step 6: Procfile.
	if err := p.UploadFile(ctx, sbx.ID, codePath+"/Procfile", []byte(procfile(o.cfg.Processes))); err != nil {
		return fmt.Errorf("upload Procfile: %w", err)
	}

	// Step 7: Postgres.
	if err := o.startPostgres(ctx, sbx.ID); err != nil {
		return err
	}

	// Step 8: install steps.
	for _, step := range o.cfg.Install {
		events.InstallStart(step)
		cmd := fmt.Sprintf("cd %s && %s && POSTGRES_DB=%s %s", codePath, runner.MisePathExport, o.dbName(), step.Command)
		res, err := p.ExecuteCommand(ctx, sbx.ID, cmd, installTimeout)
		if err != nil {
			return fmt.Errorf("install %s: %w", step.label(), err)
		}
		events.InstallComplete(step, res.ExitCode, res.Output)
		if res.ExitCode != 0 {
			return fmt.Errorf("install %s: exit code %d: %s", step.label(), res.ExitCode, res.Output)
		}
	}

	// Step 9: app shell.
	if err := p.CreateSession(ctx, sbx.ID, "app"); err != nil {
		return fmt.Errorf("create app session: %w", err)
	}
	appCmd := fmt.Sprintf("cd %s && %s && POSTGRES_DB=%s PORT=3000 overmind start", codePath, runner.MisePathExport, o.dbName())
	if err := p.SessionExecute(ctx, sbx.ID, "app", appCmd); err != nil {
		return fmt.Errorf("start app shell: %w", err)
	}

	// Step 10: tunnel shell.
	if o.cfg.Edge != nil {
		if err := p.UploadFile(ctx, sbx.ID, "/tmp/tunnel-token", []byte(*o.cfg.TunnelToken)); err != nil {
			return fmt.Errorf("upload tunnel token: %w", err)
		}
		if err := p.CreateSession(ctx, sbx.ID, "tunnel"); err != nil {
			return fmt.Errorf("create tunnel session: %w", err)
		}
		// http2 transport is mandatory: the sandbox network blocks the
		// cloudflared default UDP (QUIC) transport.
		if err := p.SessionExecute(ctx, sbx.ID, "tunnel", "cloudflared tunnel run --protocol http2 --token-file /tmp/tunnel-token"); err != nil {
			return fmt.Errorf("start tunnel shell: %w", err)
		}
	}

	// Step 11: auth worker.
	if o.cfg.Edge != nil {
		if err := o.cfg.Edge.DeployWorker(ctx, edge.WorkerDeployOptions{
			WorkerName:  name,
			AccessToken: o.cfg.AccessToken,
			Hostname:    o.hostname(),
			Files:       workerscript.Files(o.cfg.WorkerFiles),
			Bindings:    workerscript.Bindings(o.cfg.WorkerBindings, o.cfg.WorkerInjection),
			Injection:   o.cfg.WorkerInjection,
		}); err != nil {
			return fmt.Errorf("deploy worker %s: %w", name, err)
		}
	}

	return nil
}

func (o *Orchestrator) startPostgres(ctx context.Context, sandboxID string) error {
	p := o.cfg.Provider

	if _, err := p.ExecuteCommand(ctx, sandboxID, "sudo service postgresql start", shortCommandTimeout); err != nil {
		return fmt.Errorf("start postgresql: %w", err)
	}
	// Both the superuser and the database may already exist from a prior
	// start on the same sandbox image; tolerate either, per spec.md §4.6
	// step 7 ("tolerating already exists").
	createUser := fmt.Sprintf(`sudo -u postgres psql -tc "SELECT 1 FROM pg_roles WHERE rolname='%s'" | grep -q 1 || sudo -u postgres psql -c "CREATE USER %s SUPERUSER"`, sandboxUser, sandboxUser)
	if _, err := p.ExecuteCommand(ctx, sandboxID, createUser, shortCommandTimeout); err != nil {
		return fmt.Errorf("create postgres superuser: %w", err)
	}
	createDB := fmt.Sprintf(`sudo -u postgres createdb -O %s %s || true`, sandboxUser, o.dbName())
	if _, err := p.ExecuteCommand(ctx, sandboxID, createDB, shortCommandTimeout); err != nil {
		return fmt.Errorf("create database %s: %w", o.dbName(), err)
	}
	return nil
}

// procfile renders the processes map as Procfile lines, name: command, in a
// deterministic (sorted by name) order.
func procfile(processes map[string]string) string {
	names := make([]string, 0, len(processes))
	for name := range processes {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\n", name, processes[name])
	}
	return b.String()
}

// normalizeGitURL rewrites an SSH-style remote (git@host:owner/repo) into
// its HTTPS equivalent (spec.md §4.6 step 4); any other URL passes through
// unchanged.
func normalizeGitURL(raw string) string {
	if m := sshGitURL.FindStringSubmatch(raw); m != nil {
		return "https://" + m[1] + "/" + m[2]
	}
	return raw
}

// RunOptions parameterizes one AI invocation (spec.md §4.6 run()).
type RunOptions struct {
	Prompt    string
	Resume    bool
	SessionID string // conversation UUID; a fresh one is minted if empty and Resume is false
	OnLine    func(line []byte)
}

// Run streams one AI conversation turn, filtered to validated JSON lines,
// to opts.OnLine. It returns once the PTY the assistant runs behind closes
// (spec.md §4.4 "run returns when the PTY closes").
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (conversationID string, err error) {
	if o.cfg.SandboxID == nil {
		return "", fmt.Errorf("run: session %s has no sandbox", o.cfg.Slug)
	}
	sbx, err := o.cfg.Provider.GetSandbox(ctx, *o.cfg.SandboxID)
	if err != nil {
		return "", fmt.Errorf("get sandbox: %w", err)
	}
	if sbx == nil || !isRunningState(sbx.Status) {
		return "", fmt.Errorf("run: sandbox for session %s is not started/running", o.cfg.Slug)
	}

	conversationID = opts.SessionID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	cmd := o.cfg.AI.BuildCommand(runner.CommandOptions{
		ConversationID: conversationID,
		Resume:         opts.Resume,
		AuthToken:      o.cfg.Env["ANTHROPIC_AUTH_TOKEN"],
		BaseURL:        o.cfg.Env["ANTHROPIC_BASE_URL"],
		Prompt:         opts.Prompt,
	})

	onLine := opts.OnLine
	if onLine == nil {
		onLine = func([]byte) {}
	}
	filter := runner.NewFilter(onLine)
	runCmd := "cd " + codePath + " && " + runner.MisePathExport + " && " + cmd
	if err := o.cfg.Provider.RunPTYCommand(ctx, *o.cfg.SandboxID, runCmd, installTimeout, filter.OnChunk); err != nil {
		return conversationID, fmt.Errorf("run ai command: %w", err)
	}
	return conversationID, nil
}

func isRunningState(status string) bool {
	return status == "started" || status == "running"
}

// Stop stops the sandbox, tolerating its absence (spec.md §4.6 stop()).
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cfg.SandboxID == nil {
		return nil
	}
	if err := o.cfg.Provider.StopSandbox(ctx, *o.cfg.SandboxID); err != nil && !apierr.IsNotFound(err) {
		return fmt.Errorf("stop sandbox: %w", err)
	}
	return nil
}

// Delete stops the sandbox, waits briefly for it to settle, deletes it, and
// tears down its edge resources. All cleanup failures are logged and
// swallowed per spec.md §7's cleanup-failure policy, matching the teacher's
// Manager.Stop, which logs a delete failure rather than propagating it.
func (o *Orchestrator) Delete(ctx context.Context) error {
	if err := o.Stop(ctx); err != nil {
		logWarn("delete %s: stop sandbox: %v", o.cfg.Slug, err)
	}

	if o.cfg.SandboxID != nil {
		if err := o.cfg.Provider.WaitForSandbox(ctx, *o.cfg.SandboxID, []string{"stopped", "error"}, waitForStoppedTimeout); err != nil {
			logWarn("delete %s: wait for stopped: %v", o.cfg.Slug, err)
		}
		if err := o.cfg.Provider.DeleteSandbox(ctx, *o.cfg.SandboxID); err != nil && !apierr.IsNotFound(err) {
			logWarn("delete %s: delete sandbox: %v", o.cfg.Slug, err)
		}
	}

	if o.cfg.Edge != nil {
		if err := o.cfg.Edge.DeleteWorker(ctx, o.resourceName(), o.hostname()); err != nil {
			logWarn("delete %s: delete worker: %v", o.cfg.Slug, err)
		}
		if o.cfg.TunnelID != nil {
			if err := o.cfg.Edge.DeleteTunnel(ctx, *o.cfg.TunnelID); err != nil {
				logWarn("delete %s: delete tunnel: %v", o.cfg.Slug, err)
			}
		}
	}
	return nil
}

// ProcessStatus is one line of overmind status output (SPEC_FULL.md §4).
type ProcessStatus struct {
	Name  string
	State string
}

// ProcessStatuses runs overmind status inside the sandbox and parses its
// "name | status" lines (spec.md §4.6 process_statuses()).
func (o *Orchestrator) ProcessStatuses(ctx context.Context) ([]ProcessStatus, error) {
	if o.cfg.SandboxID == nil {
		return nil, fmt.Errorf("process_statuses: session %s has no sandbox", o.cfg.Slug)
	}
	cmd := fmt.Sprintf("cd %s && %s && overmind status", codePath, runner.MisePathExport)
	res, err := o.cfg.Provider.ExecuteCommand(ctx, *o.cfg.SandboxID, cmd, statusTimeout)
	if err != nil {
		return nil, fmt.Errorf("overmind status: %w", err)
	}
	return parseProcessStatuses(res.Output), nil
}

func parseProcessStatuses(output string) []ProcessStatus {
	var out []ProcessStatus
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		state := strings.TrimSpace(parts[1])
		if name == "" {
			continue
		}
		out = append(out, ProcessStatus{Name: name, State: state})
	}
	return out
}

// RestartProcess restarts one overmind-managed process and returns its
// combined output for caller-side diagnostics on failure
// (spec.md §4.6 restart_process(), SPEC_FULL.md §4).
func (o *Orchestrator) RestartProcess(ctx context.Context, name string) (string, error) {
	if o.cfg.SandboxID == nil {
		return "", fmt.Errorf("restart_process: session %s has no sandbox", o.cfg.Slug)
	}
	cmd := fmt.Sprintf("cd %s && %s && overmind restart %s", codePath, runner.MisePathExport, name)
	res, err := o.cfg.Provider.ExecuteCommand(ctx, *o.cfg.SandboxID, cmd, restartTimeout)
	if err != nil {
		return "", fmt.Errorf("overmind restart %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return res.Output, fmt.Errorf("overmind restart %s: exit code %d", name, res.ExitCode)
	}
	return res.Output, nil
}

// Logs returns the last n lines of one overmind-managed process's output
// (SPEC_FULL.md §4's "session logs" supplement).
func (o *Orchestrator) Logs(ctx context.Context, name string, n int) (string, error) {
	if o.cfg.SandboxID == nil {
		return "", fmt.Errorf("logs: session %s has no sandbox", o.cfg.Slug)
	}
	cmd := fmt.Sprintf("cd %s && %s && overmind echo %s -n %d", codePath, runner.MisePathExport, name, n)
	res, err := o.cfg.Provider.ExecuteCommand(ctx, *o.cfg.SandboxID, cmd, shortCommandTimeout)
	if err != nil {
		return "", fmt.Errorf("overmind echo %s: %w", name, err)
	}
	return res.Output, nil
}

// StreamLogs follows one overmind-managed process's output, streaming raw
// bytes to onChunk until the caller's context is cancelled or the provider's
// default PTY timeout elapses (it passes a timeout of 0, which each provider
// replaces with its own default)
// (SPEC_FULL.md §4's "session logs -f" supplement, reusing C4's PTY
// byte-stream plumbing without the JSON-line filter, which is specific to
// the AI runner).
func (o *Orchestrator) StreamLogs(ctx context.Context, name string, onChunk provider.OnChunk) error {
	if o.cfg.SandboxID == nil {
		return fmt.Errorf("logs -f: session %s has no sandbox", o.cfg.Slug)
	}
	cmd := fmt.Sprintf("cd %s && %s && overmind echo %s -f", codePath, runner.MisePathExport, name)
	return o.cfg.Provider.RunPTYCommand(ctx, *o.cfg.SandboxID, cmd, 0, onChunk)
}

// SandboxID returns the sandbox id this orchestrator's Config currently
// carries, if any — callers use this after Start to persist the catalog
// record without reaching into Config directly.
func (o *Orchestrator) SandboxID() *string { return o.cfg.SandboxID }

// TunnelID returns the tunnel id this orchestrator's Config currently
// carries, if any.
func (o *Orchestrator) TunnelID() *string { return o.cfg.TunnelID }

// TunnelToken returns the tunnel token this orchestrator's Config currently
// carries, if any.
func (o *Orchestrator) TunnelToken() *string { return o.cfg.TunnelToken }

// Provider returns the C1 backend this orchestrator is configured with, so a
// caller can reach backend-specific functionality (e.g. the local Docker
// provider's host process introspection) that provider.Provider itself
// doesn't expose.
func (o *Orchestrator) Provider() provider.Provider { return o.cfg.Provider }
