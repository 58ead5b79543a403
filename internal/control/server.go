package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/nuefs/nuefsd/internal/mountmgr"
	"github.com/nuefs/nuefsd/internal/nuefs"
)

// Server binds the mount manager to the eight routes of spec §6 over an
// http.Server listening on a Unix domain socket.
type Server struct {
	mgr        *mountmgr.Manager
	log        *logrus.Entry
	socketPath string
	startedAt  uint64
	instanceID string
	listener   net.Listener
	http       *http.Server
	shutdown   func()
}

// NewServer builds a Server that is not yet listening. shutdownFn is invoked
// once, from the Shutdown handler, after every session has been unmounted;
// the daemon process uses it to stop its own run loop.
func NewServer(mgr *mountmgr.Manager, log *logrus.Entry, socketPath string, startedAt uint64, instanceID string, shutdownFn func()) *Server {
	if shutdownFn != nil {
		var once sync.Once
		inner := shutdownFn
		shutdownFn = func() { once.Do(inner) }
	}
	return &Server{mgr: mgr, log: log, socketPath: socketPath, startedAt: startedAt, instanceID: instanceID, shutdown: shutdownFn}
}

// Listen binds the control socket. The caller must have already verified no
// other daemon is bound to socketPath and removed any stale socket file.
func (s *Server) Listen() error {
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	s.listener = l
	s.http = &http.Server{Handler: s.router()}
	return nil
}

// Serve blocks, accepting control connections until Close is called.
func (s *Server) Serve() error {
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	err := s.http.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.StrictSlash(false)
	r.HandleFunc("/mount", s.handleMount).Methods(http.MethodPost)
	r.HandleFunc("/unmount", s.handleUnmount).Methods(http.MethodPost)
	r.HandleFunc("/update", s.handleUpdate).Methods(http.MethodPost)
	r.HandleFunc("/which", s.handleWhich).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/daemon-info", s.handleDaemonInfo).Methods(http.MethodGet)
	r.HandleFunc("/resolve", s.handleResolve).Methods(http.MethodGet)
	r.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	return r
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.mgr.Mount(req.Root, toEntrySpecs(req.Entries))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MountResponse{MountID: id})
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	var req UnmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.mgr.Unmount(req.MountID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.mgr.Update(req.MountID, toEntrySpecs(req.Entries)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWhich(w http.ResponseWriter, r *http.Request) {
	id, err := parseMountID(r.URL.Query().Get("mount_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	path := r.URL.Query().Get("path")
	info, err := s.mgr.Which(id, path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WhichResponse{
		Found: true,
		Info:  OwnerInfo{Owner: info.Owner.String(), BackendPath: info.Backend},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries := s.mgr.Status()
	out := make([]StatusEntry, len(entries))
	for i, e := range entries {
		out[i] = StatusEntry{MountID: e.MountID, Root: e.Root}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Mounts: out})
}

func (s *Server) handleDaemonInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DaemonInfoResponse{
		PID:        os.Getpid(),
		Socket:     s.socketPath,
		StartedAt:  s.startedAt,
		InstanceID: s.instanceID,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("root")
	id, ok := s.mgr.Resolve(root)
	writeJSON(w, http.StatusOK, ResolveResponse{Found: ok, MountID: id})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	go func() {
		ctx, cancel := contextWithTimeout(5 * time.Second)
		defer cancel()
		s.mgr.ShutdownAll(ctx)
		if s.shutdown != nil {
			s.shutdown()
		}
	}()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, nuefs.Transport("decode request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var nerr *nuefs.Error
	kind := nuefs.KindDaemon
	if errors.As(err, &nerr) {
		kind = nerr.Kind
	}
	writeJSON(w, statusForKind(kind), ErrorResponse{Kind: kind.String(), Detail: err.Error()})
}

func statusForKind(k nuefs.Kind) int {
	switch k {
	case nuefs.KindInvalidRoot:
		return http.StatusBadRequest
	case nuefs.KindAlreadyMounted:
		return http.StatusConflict
	case nuefs.KindUnknownMountID:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
