// Package client wraps internal/control's HTTP client with the auto-spawn
// policy spec §4.5 asks for: if no daemon answers at the resolved socket
// path, spawn one and poll until it does, then proceed as normal.
package client

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"time"

	"github.com/nuefs/nuefsd/internal/control"
	"github.com/nuefs/nuefsd/internal/nuefs"
	"github.com/nuefs/nuefsd/internal/nuefsconf"
)

// DefaultDeadline is the timeout WithDeadline puts on a request context.
// Client itself adds no deadline: a request runs under the context its
// caller passes in.
const DefaultDeadline = 10 * time.Second

// Client is a control.Client plus the policy of spawning a daemon on demand.
type Client struct {
	*control.Client
	socketPath string
}

// New resolves the socket path and returns a Client. It does not probe for
// a live daemon; that happens lazily on EnsureDaemon or the first request
// a caller chooses to retry after a Transport error.
func New() *Client {
	path := nuefsconf.SocketPath()
	return &Client{Client: control.NewClient(path), socketPath: path}
}

// EnsureDaemon checks whether a daemon answers at the socket; if not, it
// spawns nuefsconf.DaemonBinary() and polls until the socket accepts
// connections or timeout elapses.
func (c *Client) EnsureDaemon(ctx context.Context, timeout time.Duration) error {
	if probeSocket(c.socketPath) {
		return nil
	}

	cmd := exec.Command(nuefsconf.DaemonBinary())
	if err := cmd.Start(); err != nil {
		return nuefs.Transport("spawn daemon", err)
	}
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeSocket(c.socketPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nuefs.Transport("wait for daemon", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nuefs.Transport("wait for daemon", errors.New("daemon did not become reachable"))
}

func probeSocket(path string) bool {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WithDeadline returns a context bounded by DefaultDeadline, for callers
// that have no deadline of their own.
func WithDeadline(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultDeadline)
}
