package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/nuefs/nuefsd/internal/nuefs"
)

// Client issues the eight control-plane requests against a daemon listening
// on a Unix domain socket. It does not itself auto-spawn a daemon; that
// policy lives in internal/client, which wraps this type.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient builds a Client dialing socketPath for every request.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// baseURL is a placeholder host; only the path and the custom DialContext
// matter since the connection is always redirected to the Unix socket.
const baseURL = "http://nuefsd"

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nuefs.Transport("encode request", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nuefs.Transport("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nuefs.Transport(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eresp ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&eresp)
		return nuefs.Daemon(eresp.Detail)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nuefs.Transport("decode response", err)
	}
	return nil
}

// Mount requests a new mount session rooted at root with the given entries.
func (c *Client) Mount(ctx context.Context, root string, entries []ManifestEntry) (uint64, error) {
	var resp MountResponse
	err := c.do(ctx, http.MethodPost, "/mount", nil, MountRequest{Root: root, Entries: entries}, &resp)
	return resp.MountID, err
}

// Unmount tears down the session identified by id.
func (c *Client) Unmount(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodPost, "/unmount", nil, UnmountRequest{MountID: id}, nil)
}

// Update replaces the manifest of session id.
func (c *Client) Update(ctx context.Context, id uint64, entries []ManifestEntry) error {
	return c.do(ctx, http.MethodPost, "/update", nil, UpdateRequest{MountID: id, Entries: entries}, nil)
}

// Which resolves path against session id's manifest.
func (c *Client) Which(ctx context.Context, id uint64, path string) (WhichResponse, error) {
	q := url.Values{"mount_id": {fmt.Sprintf("%d", id)}, "path": {path}}
	var resp WhichResponse
	err := c.do(ctx, http.MethodGet, "/which", q, nil, &resp)
	return resp, err
}

// Status lists every live session.
func (c *Client) Status(ctx context.Context) ([]StatusEntry, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &resp)
	return resp.Mounts, err
}

// DaemonInfo reports the daemon's pid, socket path and start time.
func (c *Client) DaemonInfo(ctx context.Context) (DaemonInfoResponse, error) {
	var resp DaemonInfoResponse
	err := c.do(ctx, http.MethodGet, "/daemon-info", nil, nil, &resp)
	return resp, err
}

// Resolve returns the mount id currently mounted at root, if any.
func (c *Client) Resolve(ctx context.Context, root string) (ResolveResponse, error) {
	q := url.Values{"root": {root}}
	var resp ResolveResponse
	err := c.do(ctx, http.MethodGet, "/resolve", q, nil, &resp)
	return resp, err
}

// Shutdown asks the daemon to unmount every session, remove its socket, and
// exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil, nil, nil)
}
