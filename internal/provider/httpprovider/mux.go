package httpprovider

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/yamux"
)

// sandboxMux is one yamux session multiplexing every persistent shell and
// PTY stream opened against a single sandbox, mirroring the teacher's
// internal/tunnel.Registry (one websocket connection per sandbox, many
// logical flows layered on top) — here the transport is an upgraded HTTP
// connection and the logical flows are real yamux streams instead of a
// JSON-framed pseudo-multiplexer.
type sandboxMux struct {
	session       *yamux.Session
	mu            sync.Mutex
	namedSessions map[string]net.Conn
}

// openMux dials the provider's persistent-connection upgrade endpoint for a
// sandbox and wraps it in a yamux client session. The connection is kept
// open for the lifetime of the sandbox's shell sessions.
func (c *Client) openMux(ctx context.Context, sandboxID string) (*sandboxMux, error) {
	c.mu.Lock()
	if m, ok := c.mux[sandboxID]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	conn, err := dialUpgrade(ctx, c.baseURL, c.apiKey, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("open multiplexed connection to sandbox %s: %w", sandboxID, err)
	}

	session, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client session for sandbox %s: %w", sandboxID, err)
	}

	m := &sandboxMux{session: session}

	c.mu.Lock()
	c.mux[sandboxID] = m
	c.mu.Unlock()

	return m, nil
}

func (c *Client) closeMux(sandboxID string) {
	c.mu.Lock()
	m, ok := c.mux[sandboxID]
	if ok {
		delete(c.mux, sandboxID)
	}
	c.mu.Unlock()
	if ok {
		m.session.Close()
	}
}

// dialUpgrade performs an HTTP Upgrade handshake against the provider's
// streaming endpoint and returns the raw net.Conn for yamux to take over,
// the same hijack-after-upgrade shape net/http supports for any bidirectional
// protocol switch.
func dialUpgrade(ctx context.Context, baseURL, apiKey, sandboxID string) (net.Conn, error) {
	// The provider exposes CONNECT-style upgrade at /sandboxes/{id}/stream;
	// a bare TCP dial plus a minimal handshake keeps this boundary-only code
	// free of a second HTTP client stack.
	host, secure, err := splitHostForDial(baseURL)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	var conn net.Conn
	if secure {
		conn, err = tls.Dial("tcp", host, &tls.Config{})
	} else {
		conn, err = d.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}

	req, err := http.NewRequest(http.MethodGet, baseURL+"/sandboxes/"+sandboxID+"/stream", nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "kml-yamux")
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write upgrade request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read upgrade response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("unexpected upgrade status %d", resp.StatusCode)
	}
	return conn, nil
}

// splitHostForDial extracts a dialable host:port from a base URL, defaulting
// the port by scheme since the provider's upgrade handshake happens over a
// raw TCP connection rather than through the net/http client.
func splitHostForDial(baseURL string) (host string, secure bool, err error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", false, fmt.Errorf("parse base URL: %w", err)
	}
	secure = u.Scheme == "https"
	host = u.Host
	if !strings.Contains(host, ":") {
		if secure {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return host, secure, nil
}

// openStream opens a new logical stream on the sandbox's mux and writes a
// small JSON header identifying which named session it belongs to, letting
// one yamux session serve many named persistent shells (app, tunnel, and
// one-shot PTY commands) without a connection per shell.
func (m *sandboxMux) openStream(kind, sessionID, command string) (net.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, err := m.session.Open()
	if err != nil {
		return nil, fmt.Errorf("open yamux stream: %w", err)
	}

	hdr := streamHeader{Kind: kind, SessionID: sessionID, Command: command}
	b, err := json.Marshal(hdr)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("marshal stream header: %w", err)
	}
	b = append(b, '\n')
	if _, err := stream.Write(b); err != nil {
		stream.Close()
		return nil, fmt.Errorf("write stream header: %w", err)
	}
	return stream, nil
}

type streamHeader struct {
	Kind      string `json:"kind"` // "session" | "pty"
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
}
