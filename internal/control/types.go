// Package control defines the wire shapes and the HTTP-over-Unix-socket
// transport of the control plane (spec §4.4/4.5, §6): the eight requests a
// client issues against a running daemon, routed to the mount manager.
package control

import "github.com/nuefs/nuefsd/internal/mountmgr"

// ManifestEntry is the wire form of one manifest entry in a Mount/Update
// request body.
type ManifestEntry struct {
	VirtualPath string `json:"virtual_path"`
	BackendPath string `json:"backend_path"`
	IsDir       bool   `json:"is_dir"`
}

func toEntrySpecs(entries []ManifestEntry) []mountmgr.EntrySpec {
	specs := make([]mountmgr.EntrySpec, len(entries))
	for i, e := range entries {
		specs[i] = mountmgr.EntrySpec{VirtualPath: e.VirtualPath, BackendPath: e.BackendPath, IsDir: e.IsDir}
	}
	return specs
}

// OwnerInfo is the wire form of a Which response.
type OwnerInfo struct {
	Owner       string `json:"owner"`
	BackendPath string `json:"backend_path"`
}

// MountRequest is the Mount request body.
type MountRequest struct {
	Root    string          `json:"root"`
	Entries []ManifestEntry `json:"entries"`
}

// MountResponse is the Mount success body.
type MountResponse struct {
	MountID uint64 `json:"mount_id"`
}

// UnmountRequest is the Unmount request body.
type UnmountRequest struct {
	MountID uint64 `json:"mount_id"`
}

// UpdateRequest is the Update request body.
type UpdateRequest struct {
	MountID uint64          `json:"mount_id"`
	Entries []ManifestEntry `json:"entries"`
}

// WhichResponse is the Which success body (the wire form of
// option<OwnerInfo>). The server sets Found to true in every success body: a
// path with no manifest entry resolves to the "real" owner under the mount
// root. An unknown mount id is an error response, not Found=false.
type WhichResponse struct {
	Found bool      `json:"found"`
	Info  OwnerInfo `json:"info,omitempty"`
}

// StatusEntry is one row of a Status response.
type StatusEntry struct {
	MountID uint64 `json:"mount_id"`
	Root    string `json:"root"`
}

// StatusResponse is the Status success body, sorted ascending by MountID.
type StatusResponse struct {
	Mounts []StatusEntry `json:"mounts"`
}

// DaemonInfoResponse is the DaemonInfo success body. InstanceID is a
// supplement to spec §6's {pid, socket, started_at}: a uuid minted once at
// startup, stable for the process lifetime, useful for correlating log
// lines across a daemon restart that reuses the same pid.
type DaemonInfoResponse struct {
	PID        int    `json:"pid"`
	Socket     string `json:"socket"`
	StartedAt  uint64 `json:"started_at"`
	InstanceID string `json:"instance_id"`
}

// ResolveResponse is the Resolve success body. Found is false when no
// session is mounted at the given root.
type ResolveResponse struct {
	Found   bool   `json:"found"`
	MountID uint64 `json:"mount_id,omitempty"`
}

// ErrorResponse is the body of any non-2xx response: the taxonomy kind
// (spec §7) plus a human-readable detail.
type ErrorResponse struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}
