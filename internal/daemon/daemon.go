// Package daemon wires the mount manager and the control server into the
// nuefsd process: logging setup, stale-socket probing, and the
// listen/serve/shutdown lifecycle (spec §6 "Exit codes", §7).
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nuefs/nuefsd/internal/control"
	"github.com/nuefs/nuefsd/internal/mountmgr"
	"github.com/nuefs/nuefsd/internal/nuefsconf"
)

// Exit codes per spec §6.
const (
	ExitOK          = 0
	ExitStartupFail = 1
	ExitUsage       = 2
)

// Daemon owns a Manager, a control Server, and the logger both share.
type Daemon struct {
	log    *logrus.Entry
	mgr    *mountmgr.Manager
	server *control.Server
	done   chan struct{}
}

// New opens logPath (creating it if needed) and builds a Daemon ready to
// Run. now is the Unix timestamp recorded in DaemonInfo responses, supplied
// by the caller.
func New(logPath string, now uint64) (*Daemon, error) {
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	instanceID := uuid.New().String()

	logger := logrus.New()
	logger.SetOutput(file)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logger.WithFields(logrus.Fields{"component": "nuefsd", "instance_id": instanceID})

	mgr := mountmgr.New(log)
	d := &Daemon{log: log, mgr: mgr, done: make(chan struct{})}

	socketPath := nuefsconf.SocketPath()
	if err := probeStaleSocket(socketPath); err != nil {
		return nil, err
	}

	d.server = control.NewServer(mgr, log, socketPath, now, instanceID, func() { close(d.done) })
	return d, nil
}

// probeStaleSocket refuses to start if another daemon is live at path, and
// otherwise removes a stale socket file left by a crashed daemon.
func probeStaleSocket(path string) error {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("a daemon is already listening on %s", path)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		if rmErr := os.Remove(path); rmErr != nil {
			return fmt.Errorf("remove stale socket %s: %w", path, rmErr)
		}
	}
	return nil
}

// Run binds the control socket and serves until Shutdown is requested (via
// the control plane's /shutdown route) or the process receives a stop
// signal routed in by the caller through stop.
func (d *Daemon) Run(stop <-chan struct{}) int {
	if err := d.server.Listen(); err != nil {
		d.log.WithError(err).Error("listen failed")
		return ExitStartupFail
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve() }()

	select {
	case err := <-serveErr:
		if err != nil {
			d.log.WithError(err).Error("serve failed")
			return ExitStartupFail
		}
	case <-d.done:
		d.log.Info("shutdown requested")
	case <-stop:
		d.log.Info("signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.mgr.ShutdownAll(ctx)
		cancel()
	}

	if err := d.server.Close(); err != nil {
		d.log.WithError(err).Warn("close server")
	}
	return ExitOK
}
