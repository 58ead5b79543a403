// Package nuefsconf resolves the handful of environment-dependent paths the
// daemon and client both need to agree on (spec §6 "Socket path",
// "Environment variables"): the control socket, the log file, and an
// override for the daemon binary used when a client auto-spawns one.
package nuefsconf

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	envSocketOverride    = "NUEFS_SOCKET"
	envDaemonBinOverride = "NUEFS_DAEMON_BIN"
	envRuntimeDir        = "XDG_RUNTIME_DIR"
)

// SocketPath resolves the control-plane socket path: an explicit override,
// then $XDG_RUNTIME_DIR/nuefsd-<uid>.sock, then /tmp/nuefsd-<uid>.sock.
func SocketPath() string {
	if v := os.Getenv(envSocketOverride); v != "" {
		return v
	}
	name := fmt.Sprintf("nuefsd-%d.sock", os.Getuid())
	if dir := os.Getenv(envRuntimeDir); dir != "" {
		return filepath.Join(dir, name)
	}
	return filepath.Join("/tmp", name)
}

// LogPath resolves the daemon's log file, alongside the socket by default.
func LogPath() string {
	dir := os.Getenv(envRuntimeDir)
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, fmt.Sprintf("nuefsd-%d.log", os.Getuid()))
}

// DaemonBinary resolves the daemon binary a client spawns when no daemon is
// reachable at SocketPath(): an explicit override, or else "nuefsd" resolved
// via $PATH.
func DaemonBinary() string {
	if v := os.Getenv(envDaemonBinOverride); v != "" {
		return v
	}
	return "nuefsd"
}
