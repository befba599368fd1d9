package taskmgr

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/metrics"
	"github.com/hiverack/hive/internal/wsstream"
)

// maxRunnerBinarySize bounds the uploaded runner binary; anything larger is
// rejected before it reaches memory.
const maxRunnerBinarySize = 256 << 20

// Server is the admission HTTP surface: POST a test run, connect its
// websocket, request a reinit. The GraphQL admin UI is a separate,
// out-of-scope service; this server carries only the task lifecycle.
type Server struct {
	manager  *Manager
	streamer *wsstream.Streamer
}

func NewServer(manager *Manager, streamer *wsstream.Streamer) *Server {
	return &Server{manager: manager, streamer: streamer}
}

// Router mounts the admission routes plus the metrics endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/test/run", s.handleTestRun).Methods(http.MethodPost)
	r.HandleFunc("/test/socket", s.handleTestSocket).Methods(http.MethodGet)
	r.HandleFunc("/test/reinit", s.handleReinit).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// handleTestRun accepts a multipart upload with a "runner" binary part and
// an optional "options" JSON part, registers the task, and returns the
// websocket ticket.
func (s *Server) handleTestRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRunnerBinarySize); err != nil {
		http.Error(w, "expected multipart form upload", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("runner")
	if err != nil {
		http.Error(w, "missing runner binary part", http.StatusBadRequest)
		return
	}
	defer file.Close()
	binary, err := io.ReadAll(io.LimitReader(file, maxRunnerBinarySize))
	if err != nil {
		http.Error(w, "failed to read runner binary", http.StatusBadRequest)
		return
	}

	var options hivetypes.TestOptions
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &options); err != nil {
			http.Error(w, "malformed options JSON", http.StatusBadRequest)
			return
		}
	}

	ticket, err := s.manager.RegisterTest(NewTestTask(binary, options))
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}

	slog.Info("registered test task", "binary_bytes", len(binary))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"ticket": string(ticket)})
}

// handleTestSocket validates the ticket from the query string and, on
// success, upgrades to the websocket that streams the task's status and
// final results.
func (s *Server) handleTestSocket(w http.ResponseWriter, r *http.Request) {
	ticket := Ticket(r.URL.Query().Get("ticket"))
	if ticket == "" {
		http.Error(w, "missing ticket", http.StatusBadRequest)
		return
	}

	sink, err := s.manager.ValidateTicket(ticket)
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}

	s.streamer.Serve(w, r, sink)
}

// handleReinit registers a reinit task and blocks until it completes or is
// superseded. An optional "timeout_sec" query parameter bounds the wait.
func (s *Server) handleReinit(w http.ResponseWriter, r *http.Request) {
	task := NewReinitTask()
	s.manager.RegisterReinit(task)

	wait := 120 * time.Second
	if raw := r.URL.Query().Get("timeout_sec"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}

	select {
	case err := <-task.Done:
		if err != nil {
			http.Error(w, err.Error(), StatusCode(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "reinitialized"})
	case <-r.Context().Done():
		// Client gave up; the task still runs, nobody reads the result.
	case <-time.After(wait):
		http.Error(w, "reinitialization did not complete in time", http.StatusGatewayTimeout)
	}
}
