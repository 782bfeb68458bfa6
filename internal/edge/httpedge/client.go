// Package httpedge implements edge.Edge against a Cloudflare-class REST API
// (tunnels, DNS, Workers for Platforms). No teacher package talks to this
// kind of CDN directly, so the request/response/error idiom here is carried
// over from internal/agent/client.go's typed-HTTP-client shape; the tunnel/
// DNS/worker domain logic itself is original to spec.md §4.2.
package httpedge

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rbdotrun/kml/internal/apierr"
	"github.com/rbdotrun/kml/internal/edge"
)

// Client is the production C2 backend.
type Client struct {
	baseURL    string
	apiToken   string
	accountID  string
	zoneID     string
	httpClient *http.Client
}

// New creates a Client bound to a Cloudflare-class account and zone.
func New(baseURL, apiToken, accountID, zoneID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   apiToken,
		accountID:  accountID,
		zoneID:     zoneID,
		httpClient: &http.Client{},
	}
}

var _ edge.Edge = (*Client)(nil)

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
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
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

type tunnelRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateTunnel finds or creates a tunnel by name, always re-asserts the
// ingress config, then fetches the connect token, per spec.md §4.2.
func (c *Client) CreateTunnel(ctx context.Context, name, hostname string) (*edge.Tunnel, error) {
	var list struct {
		Result []tunnelRecord `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/cfd_tunnel?name=%s", c.accountID, name), nil, &list); err != nil {
		return nil, fmt.Errorf("list tunnels for %s: %w", name, err)
	}

	var tunnelID string
	for _, t := range list.Result {
		if t.Name == name {
			tunnelID = t.ID
			break
		}
	}

	if tunnelID == "" {
		secret, err := randomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("generate tunnel secret: %w", err)
		}
		req := struct {
			Name         string `json:"name"`
			TunnelSecret string `json:"tunnel_secret"`
			ConfigSrc    string `json:"config_src"`
		}{Name: name, TunnelSecret: secret, ConfigSrc: "cloudflare"}

		var created struct {
			Result tunnelRecord `json:"result"`
		}
		if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/accounts/%s/cfd_tunnel", c.accountID), req, &created); err != nil {
			return nil, fmt.Errorf("create tunnel %s: %w", name, err)
		}
		tunnelID = created.Result.ID
	}

	// Always re-assert the ingress config, per spec.md §4.2.
	ingressReq := struct {
		Config struct {
			Ingress []ingressRule `json:"ingress"`
		} `json:"config"`
	}{}
	ingressReq.Config.Ingress = []ingressRule{
		{Hostname: hostname, Service: "http://localhost:3000"},
		{Service: "http_status:404"},
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/configurations", c.accountID, tunnelID), ingressReq, nil); err != nil {
		return nil, fmt.Errorf("configure tunnel ingress for %s: %w", name, err)
	}

	var tokenResp struct {
		Result string `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/token", c.accountID, tunnelID), nil, &tokenResp); err != nil {
		return nil, fmt.Errorf("fetch connect token for tunnel %s: %w", name, err)
	}

	return &edge.Tunnel{ID: tunnelID, Token: tokenResp.Result}, nil
}

type ingressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
}

// DeleteTunnel deletes live connections, then the tunnel itself. A failure
// to drop connections is ignored and does not stop the tunnel delete; a
// failure of the tunnel delete is returned (not-found counts as success) for
// the caller to log and swallow per spec.md §7's cleanup-failure policy.
func (c *Client) DeleteTunnel(ctx context.Context, tunnelID string) error {
	_ = c.do(ctx, http.MethodDelete, fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/connections", c.accountID, tunnelID), nil, nil)
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/accounts/%s/cfd_tunnel/%s", c.accountID, tunnelID), nil, nil); err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete tunnel %s: %w", tunnelID, err)
	}
	return nil
}

type dnsRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
}

// EnsureTunnelDNS upserts a proxied CNAME hostname -> tunnelID.cfargotunnel.com,
// replacing the content if a stale record is found (spec.md §4.2, §8's
// idempotence law).
func (c *Client) EnsureTunnelDNS(ctx context.Context, hostname, tunnelID string) error {
	wantContent := tunnelID + ".cfargotunnel.com"

	var list struct {
		Result []dnsRecord `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/zones/%s/dns_records?type=CNAME&name=%s", c.zoneID, hostname), nil, &list); err != nil {
		return fmt.Errorf("list DNS records for %s: %w", hostname, err)
	}

	rec := dnsRecord{Type: "CNAME", Name: hostname, Content: wantContent, Proxied: true}

	for _, r := range list.Result {
		if r.Content == wantContent {
			return nil // already correct
		}
		if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/zones/%s/dns_records/%s", c.zoneID, r.ID), rec, nil); err != nil {
			return fmt.Errorf("update DNS record for %s: %w", hostname, err)
		}
		return nil
	}

	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/dns_records", c.zoneID), rec, nil); err != nil {
		return fmt.Errorf("create DNS record for %s: %w", hostname, err)
	}
	return nil
}

// DeployWorker uploads the auth worker module plus extras, binds
// ACCESS_TOKEN as a secret and any extras as plain text, then upserts a
// hostname/* route, per spec.md §4.2/§4.6.
func (c *Client) DeployWorker(ctx context.Context, opts edge.WorkerDeployOptions) error {
	bindings := []map[string]string{
		{"type": "secret_text", "name": "ACCESS_TOKEN", "text": opts.AccessToken},
	}
	for k, v := range opts.Bindings {
		bindings = append(bindings, map[string]string{"type": "plain_text", "name": k, "text": v})
	}

	req := struct {
		MainModule string            `json:"main_module"`
		Modules    map[string]string `json:"modules"`
		Bindings   []map[string]string `json:"bindings"`
	}{
		MainModule: "index.js",
		Modules:    opts.Files,
		Bindings:   bindings,
	}

	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/accounts/%s/workers/scripts/%s", c.accountID, opts.WorkerName), req, nil); err != nil {
		return fmt.Errorf("deploy worker %s: %w", opts.WorkerName, err)
	}

	route := struct {
		Pattern string `json:"pattern"`
		Script  string `json:"script"`
	}{Pattern: opts.Hostname + "/*", Script: opts.WorkerName}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/workers/routes", c.zoneID), route, nil); err != nil {
		return fmt.Errorf("bind route %s/*: %w", opts.Hostname, err)
	}
	return nil
}

// DeleteWorker best-effort tears down the route, DNS records, and worker
// module; every failure is returned joined so the caller can log-and-
// swallow per spec.md §7's cleanup-failure policy, without this client
// silently hiding which step actually failed.
func (c *Client) DeleteWorker(ctx context.Context, workerName, hostname string) error {
	var errs []string

	var routes struct {
		Result []struct {
			ID      string `json:"id"`
			Pattern string `json:"pattern"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/zones/%s/workers/routes", c.zoneID), nil, &routes); err != nil {
		errs = append(errs, fmt.Sprintf("list routes: %v", err))
	} else {
		for _, r := range routes.Result {
			if r.Pattern == hostname+"/*" {
				if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/zones/%s/workers/routes/%s", c.zoneID, r.ID), nil, nil); err != nil {
					errs = append(errs, fmt.Sprintf("delete route %s: %v", r.ID, err))
				}
			}
		}
	}

	var dns struct {
		Result []dnsRecord `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/zones/%s/dns_records?type=CNAME&name=%s", c.zoneID, hostname), nil, &dns); err != nil {
		errs = append(errs, fmt.Sprintf("list DNS records: %v", err))
	} else {
		for _, r := range dns.Result {
			if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/zones/%s/dns_records/%s", c.zoneID, r.ID), nil, nil); err != nil {
				errs = append(errs, fmt.Sprintf("delete DNS record %s: %v", r.ID, err))
			}
		}
	}

	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/accounts/%s/workers/scripts/%s", c.accountID, workerName), nil, nil); err != nil {
		if !apierr.IsNotFound(err) {
			errs = append(errs, fmt.Sprintf("delete worker script: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("delete_worker(%s, %s): %s", workerName, hostname, strings.Join(errs, "; "))
	}
	return nil
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
