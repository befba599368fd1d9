// Package ipc is the monitor<->runner communication layer (spec §4.6): a
// unix-domain-socket HTTP server on the monitor side serving hardware
// inventory to the runner and accepting its result upload, plus the client
// the runner uses to reach it. Payloads are the internal/wire binary
// encoding throughout.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/store"
	"github.com/hiverack/hive/internal/wire"
)

// maxPayloadSize bounds a single IPC request body.
const maxPayloadSize = 64 << 20

// Server serves the runner-facing endpoints over a unix socket. Inventory
// endpoints read from the config store; the result endpoint forwards the
// payload to the scheduler's result channel.
type Server struct {
	socketPath string
	configTree *store.Tree
	options    *OptionsHolder
	defines    *DefinesHolder
	resultTx   chan<- hivetypes.TestResults
	shutdown   <-chan struct{}
}

func NewServer(
	socketPath string,
	configTree *store.Tree,
	options *OptionsHolder,
	defines *DefinesHolder,
	resultTx chan<- hivetypes.TestResults,
	shutdown <-chan struct{},
) *Server {
	return &Server{
		socketPath: socketPath,
		configTree: configTree,
		options:    options,
		defines:    defines,
		resultTx:   resultTx,
		shutdown:   shutdown,
	}
}

// Router mounts the five IPC routes behind the content-type middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(contentTypeMiddleware)
	r.HandleFunc("/data/probe", s.handleProbe).Methods(http.MethodGet)
	r.HandleFunc("/data/target", s.handleTarget).Methods(http.MethodGet)
	r.HandleFunc("/data/defines", s.handleDefines).Methods(http.MethodGet)
	r.HandleFunc("/data/options", s.handleOptions).Methods(http.MethodGet)
	r.HandleFunc("/runner/results", s.handleResults).Methods(http.MethodPost)
	return r
}

// ListenAndServe removes any stale socket file, binds a fresh one, and
// serves until the shutdown broadcast fires.
func (s *Server) ListenAndServe() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("ipc: create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: bind socket: %w", err)
	}

	server := &http.Server{Handler: s.Router()}
	go func() {
		<-s.shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	slog.Info("ipc server listening", "socket", s.socketPath)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ipc: serve: %w", err)
	}
	return nil
}

// contentTypeMiddleware rejects any request whose body is not declared as
// the fixed IPC MIME type.
func contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 && r.Header.Get("Content-Type") != hivetypes.ContentType {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeMessage(w http.ResponseWriter, status int, msg hivetypes.IpcMessage) {
	raw, err := wire.Encode(msg)
	if err != nil {
		slog.Error("failed to encode ipc response", "kind", msg.Kind, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", hivetypes.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeMessage(w, status, hivetypes.DesyncMessage(reason))
}

// handleProbe serves the four-slot probe assignment from the config store.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	slog.Debug("received an ipc request on probe handler")
	data, err := store.Get(r.Context(), s.configTree, store.KeyAssignedProbes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if data == nil {
		writeError(w, http.StatusInternalServerError, "probe data was not found in the database, it should be initialized before the runner is started")
		return
	}
	writeMessage(w, http.StatusOK, hivetypes.ProbeMessage(*data))
}

// handleTarget serves the eight-slot target assignment from the config
// store.
func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	slog.Debug("received an ipc request on target handler")
	data, err := store.Get(r.Context(), s.configTree, store.KeyAssignedTargets)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if data == nil {
		writeError(w, http.StatusInternalServerError, "target data was not found in the database, it should be initialized before the runner is started")
		return
	}
	writeMessage(w, http.StatusOK, hivetypes.TargetMessage(*data))
}

func (s *Server) handleDefines(w http.ResponseWriter, r *http.Request) {
	slog.Debug("received an ipc request on define handler")
	writeMessage(w, http.StatusOK, hivetypes.DefinesMessage(s.defines.Get()))
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	slog.Debug("received an ipc request on options handler")
	writeMessage(w, http.StatusOK, hivetypes.OptionsMessage(s.options.Get()))
}

// handleResults accepts the runner's TestResults upload and forwards it to
// the scheduler.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	msg, err := wire.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload: "+err.Error())
		return
	}
	if msg.Kind != hivetypes.IpcTestResults || msg.Results == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("expected TestResults payload, got %s", msg.Kind))
		return
	}

	select {
	case s.resultTx <- *msg.Results:
	case <-s.shutdown:
		writeError(w, http.StatusServiceUnavailable, "monitor is shutting down")
		return
	}

	writeMessage(w, http.StatusOK, hivetypes.EmptyMessage())
}
