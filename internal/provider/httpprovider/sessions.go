package httpprovider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rbdotrun/kml/internal/apierr"
	"github.com/rbdotrun/kml/internal/provider"
)

// CreateSession opens a persistent named shell (e.g. "app", "tunnel") inside
// the sandbox. Per spec.md §9, the orchestrator must not assume it can
// recover output from this shell after the fact — the stream is fire-and-
// forget from the caller's perspective once the command is dispatched.
func (c *Client) CreateSession(ctx context.Context, sandboxID, sessionID string) error {
	mux, err := c.openMux(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("create session %s on sandbox %s: %w", sessionID, sandboxID, err)
	}

	stream, err := mux.openStream("session", sessionID, "")
	if err != nil {
		return fmt.Errorf("create session %s on sandbox %s: %w", sessionID, sandboxID, err)
	}
	// The session stream stays open for the sandbox's lifetime; store it so a
	// later SessionExecute can reuse it instead of opening a new shell.
	mux.mu.Lock()
	if mux.namedSessions == nil {
		mux.namedSessions = make(map[string]net.Conn)
	}
	mux.namedSessions[sessionID] = stream
	mux.mu.Unlock()
	return nil
}

// SessionExecute writes a command into an already-created named session and
// returns immediately; it does not wait for the command to finish or
// collect output (spec.md §4.1, §9).
func (c *Client) SessionExecute(ctx context.Context, sandboxID, sessionID, command string) error {
	c.mu.Lock()
	mux, ok := c.mux[sandboxID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session execute: sandbox %s has no open connection", sandboxID)
	}

	mux.mu.Lock()
	stream, ok := mux.namedSessions[sessionID]
	mux.mu.Unlock()
	if !ok {
		return fmt.Errorf("session execute: session %s not found on sandbox %s", sessionID, sandboxID)
	}

	if _, err := io.WriteString(stream, command+"\n"); err != nil {
		return fmt.Errorf("write to session %s on sandbox %s: %w", sessionID, sandboxID, err)
	}
	return nil
}

// RunPTYCommand opens a PTY-backed stream for a single command and delivers
// raw bytes to onChunk as they arrive, blocking until the command exits or
// the context is cancelled (spec.md §4.1, §9).
func (c *Client) RunPTYCommand(ctx context.Context, sandboxID, command string, timeout time.Duration, onChunk provider.OnChunk) error {
	mux, err := c.openMux(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("run pty command on sandbox %s: %w", sandboxID, err)
	}

	stream, err := mux.openStream("pty", "", command)
	if err != nil {
		return fmt.Errorf("run pty command on sandbox %s: %w", sandboxID, err)
	}
	defer stream.Close()

	if timeout <= 0 {
		timeout = defaultTotalTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		r := bufio.NewReaderSize(stream, 32*1024)
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk)
			}
			if err != nil {
				if err == io.EOF {
					done <- nil
				} else {
					done <- err
				}
				return
			}
		}
	}()

	select {
	case <-runCtx.Done():
		stream.Close()
		<-done
		if runCtx.Err() == context.DeadlineExceeded {
			return apierr.Timeout("pty command on sandbox " + sandboxID)
		}
		return runCtx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("pty stream on sandbox %s: %w", sandboxID, err)
		}
		return nil
	}
}
