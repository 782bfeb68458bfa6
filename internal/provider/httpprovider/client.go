// Package httpprovider implements provider.Provider against a Daytona-class
// REST sandbox service: plain net/http RPC for the resource-management calls,
// with persistent shell sessions and PTY streams multiplexed as
// hashicorp/yamux streams over one long-lived connection per sandbox —
// adapted from the teacher's internal/tunnel.Registry (one websocket per
// sandbox, many logical flows) to one yamux session per sandbox, many
// logical streams.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rbdotrun/kml/internal/apierr"
	"github.com/rbdotrun/kml/internal/provider"
)

const (
	defaultOpenTimeout  = 30 * time.Second
	defaultTotalTimeout = 300 * time.Second
	pollInterval        = 2 * time.Second
)

// Client is the production C1 backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu   sync.Mutex
	mux  map[string]*sandboxMux // sandboxID -> multiplexed connection
}

// New creates a Client bound to a Daytona-class API endpoint.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTotalTimeout,
		},
		mux: make(map[string]*sandboxMux),
	}
}

var _ provider.Provider = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return apierr.FromStatus(resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateSnapshot builds a snapshot from the given build recipe, per spec.md §4.1.
func (c *Client) CreateSnapshot(ctx context.Context, name, buildFile string, cpuMillicores int, memoryGiB, diskGiB int) (*provider.Snapshot, error) {
	req := struct {
		Name      string `json:"name"`
		BuildFile string `json:"buildFile"`
		CPU       int    `json:"cpu"`
		MemoryGiB int    `json:"memoryGib"`
		DiskGiB   int    `json:"diskGib"`
	}{Name: name, BuildFile: buildFile, CPU: cpuMillicores, MemoryGiB: memoryGiB, DiskGiB: diskGiB}

	var snap provider.Snapshot
	if err := c.do(ctx, http.MethodPost, "/snapshots", req, &snap); err != nil {
		return nil, fmt.Errorf("create snapshot %s: %w", name, err)
	}
	return &snap, nil
}

// FindSnapshotByName returns nil, nil if no snapshot with that name exists.
func (c *Client) FindSnapshotByName(ctx context.Context, name string) (*provider.Snapshot, error) {
	var list []*provider.Snapshot
	if err := c.do(ctx, http.MethodGet, "/snapshots?name="+name, nil, &list); err != nil {
		if apierr.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find snapshot %s: %w", name, err)
	}
	for _, s := range list {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, nil
}

// WaitForSnapshot polls until the snapshot reaches ready|active, per spec.md §4.1.
func (c *Client) WaitForSnapshot(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var snap provider.Snapshot
		if err := c.do(ctx, http.MethodGet, "/snapshots/"+id, nil, &snap); err != nil {
			return fmt.Errorf("poll snapshot %s: %w", id, err)
		}
		switch snap.Status {
		case "ready", "active":
			return nil
		case "error", "failed":
			return fmt.Errorf("snapshot %s entered status %s", id, snap.Status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return apierr.Timeout("wait for snapshot " + id)
}

func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/snapshots/"+id, nil, nil); err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

func (c *Client) CreateSandbox(ctx context.Context, opts provider.CreateSandboxOptions) (*provider.Sandbox, error) {
	req := struct {
		Snapshot         string            `json:"snapshot"`
		Name             string            `json:"name"`
		Env              map[string]string `json:"env"`
		Public           bool              `json:"public"`
		AutoStopInterval int               `json:"autoStopInterval"`
	}{Snapshot: opts.Snapshot, Name: opts.Name, Env: opts.Env, Public: opts.Public, AutoStopInterval: opts.AutoStopInterval}

	var sbx provider.Sandbox
	if err := c.do(ctx, http.MethodPost, "/sandboxes", req, &sbx); err != nil {
		return nil, fmt.Errorf("create sandbox %s: %w", opts.Name, err)
	}
	return &sbx, nil
}

func (c *Client) GetSandbox(ctx context.Context, id string) (*provider.Sandbox, error) {
	var sbx provider.Sandbox
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+id, nil, &sbx); err != nil {
		if apierr.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sandbox %s: %w", id, err)
	}
	return &sbx, nil
}

func (c *Client) FindSandboxByName(ctx context.Context, name string) (*provider.Sandbox, error) {
	list, err := c.ListSandboxes(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range list {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, nil
}

func (c *Client) ListSandboxes(ctx context.Context) ([]*provider.Sandbox, error) {
	var list []*provider.Sandbox
	if err := c.do(ctx, http.MethodGet, "/sandboxes", nil, &list); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	return list, nil
}

func (c *Client) StartSandbox(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+id+"/start", nil, nil); err != nil {
		return fmt.Errorf("start sandbox %s: %w", id, err)
	}
	return nil
}

func (c *Client) StopSandbox(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+id+"/stop", nil, nil); err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop sandbox %s: %w", id, err)
	}
	return nil
}

func (c *Client) DeleteSandbox(ctx context.Context, id string) error {
	c.closeMux(id)
	if err := c.do(ctx, http.MethodDelete, "/sandboxes/"+id, nil, nil); err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete sandbox %s: %w", id, err)
	}
	return nil
}

// WaitForSandbox polls until the sandbox's status is one of wantStates.
func (c *Client) WaitForSandbox(ctx context.Context, id string, wantStates []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	want := make(map[string]bool, len(wantStates))
	for _, s := range wantStates {
		want[s] = true
	}
	for time.Now().Before(deadline) {
		sbx, err := c.GetSandbox(ctx, id)
		if err != nil {
			return fmt.Errorf("poll sandbox %s: %w", id, err)
		}
		if sbx != nil && want[sbx.Status] {
			return nil
		}
		if sbx != nil && sbx.Status == "error" {
			return fmt.Errorf("sandbox %s entered error state", id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return apierr.Timeout("wait for sandbox " + id)
}

// UploadFile does a multipart upload of content to path inside the sandbox.
func (c *Client) UploadFile(ctx context.Context, sandboxID, path string, content []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("path", path); err != nil {
		return fmt.Errorf("write path field: %w", err)
	}
	part, err := w.CreateFormFile("file", path)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write file content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sandboxes/"+sandboxID+"/files", &buf)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s to sandbox %s: %w", path, sandboxID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return apierr.FromStatus(resp.StatusCode, string(body))
	}
	return nil
}

// GitClone clones a repository at path inside the sandbox, per spec.md §4.6 step 4.
func (c *Client) GitClone(ctx context.Context, sandboxID string, opts provider.GitCloneOptions) error {
	req := struct {
		URL      string `json:"url"`
		Path     string `json:"path"`
		Branch   string `json:"branch"`
		Username string `json:"username,omitempty"`
		Password string `json:"password,omitempty"`
	}{URL: opts.URL, Path: opts.Path, Branch: opts.Branch, Username: opts.Username, Password: opts.Password}

	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/git/clone", req, nil); err != nil {
		return fmt.Errorf("git clone %s into sandbox %s: %w", opts.URL, sandboxID, err)
	}
	return nil
}

// ExecuteCommand runs a synchronous, single-shot command with no shell
// unless the caller wraps it, per spec.md §4.1.
func (c *Client) ExecuteCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*provider.ExecResult, error) {
	if timeout <= 0 {
		timeout = defaultTotalTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := struct {
		Command string `json:"command"`
	}{Command: command}

	var result provider.ExecResult
	if err := c.do(execCtx, http.MethodPost, "/sandboxes/"+sandboxID+"/exec", req, &result); err != nil {
		if execCtx.Err() != nil {
			return nil, apierr.Timeout("execute command in sandbox " + sandboxID)
		}
		return nil, fmt.Errorf("execute %q in sandbox %s: %w", command, sandboxID, err)
	}
	return &result, nil
}
