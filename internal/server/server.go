// Package server provides the HTTP API and dashboard for botfleet.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"golang.org/x/net/websocket"

	"github.com/mbrock/botfleet/internal/control"
	"github.com/mbrock/botfleet/internal/control/httpapi"
	"github.com/mbrock/botfleet/internal/fleet"
	"github.com/mbrock/botfleet/internal/logview"
	"github.com/mbrock/botfleet/internal/server/templates"
	"github.com/mbrock/botfleet/internal/store"
)

// Config wires a Server.
type Config struct {
	Ops control.Operator

	// LogPath locates a worker's log file for live following.
	LogPath func(id string) string

	Logger *slog.Logger

	// PollInterval is how often followed logs are checked for growth.
	PollInterval time.Duration
}

// Server is the HTTP API server for botfleet.
type Server struct {
	ops     control.Operator
	logPath func(string) string
	logger  *slog.Logger
	poll    time.Duration
	mux     *http.ServeMux
	server  *http.Server
}

// New creates a new HTTP server over the given operations.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		ops:     cfg.Ops,
		logPath: cfg.LogPath,
		logger:  logger,
		poll:    cfg.PollInterval,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleListWorkers)
	s.mux.HandleFunc("GET /workers", s.handleListWorkers)
	s.mux.HandleFunc("POST /workers", s.handleAddWorker)
	s.mux.HandleFunc("GET /workers/{id}", s.handleGetWorker)
	s.mux.HandleFunc("DELETE /workers/{id}", s.handleDeleteWorker)
	s.mux.HandleFunc("POST /workers/{id}/{action}", s.handleAction)
	s.mux.HandleFunc("GET /workers/{id}/status", s.handleStatus)
	s.mux.HandleFunc("GET /workers/{id}/logs", s.handleLogs)
	s.mux.Handle("GET /workers/{id}/follow", websocket.Handler(s.handleFollow))
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve starts the server on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// GetListener returns a listener based on environment.
// Supports systemd socket activation, then a Unix socket, then TCP.
func GetListener(socketPath, defaultAddr string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	for _, ln := range listeners {
		if ln != nil {
			return ln, nil
		}
	}
	if socketPath != "" {
		os.Remove(socketPath) // clean up stale socket
		return net.Listen("unix", socketPath)
	}
	return net.Listen("tcp", defaultAddr)
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

func wantsHTML(r *http.Request) bool {
	return !wantsJSON(r)
}

func isForm(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(code string) int {
	switch code {
	case control.CodeNotFound:
		return http.StatusNotFound
	case control.CodeExists:
		return http.StatusConflict
	case control.CodeInvalidConfig:
		return http.StatusBadRequest
	case control.CodeScriptNotFound, control.CodeTemplateMissing:
		return http.StatusUnprocessableEntity
	case control.CodeShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := control.Code(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if wantsJSON(r) {
		writeJSON(w, status, httpapi.ErrorBody{Error: err.Error(), Code: code})
		return
	}
	http.Error(w, err.Error(), status)
}

// Handlers

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ops.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []fleet.Entry{}
	}

	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html")
		templates.WorkersPage(entries).Render(r.Context(), w)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAddWorker(w http.ResponseWriter, r *http.Request) {
	var req fleet.AddRequest
	if isForm(r) {
		r.ParseForm()
		req.Token = r.FormValue("token")
		req.Trigger = r.FormValue("statusCheckCommand")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.ops.Add(r.Context(), req)
	if err != nil && rec.ID == "" {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Warn("worker added but not started", "worker", rec.ID, "error", err)
	}

	location := "/workers/" + rec.ID
	if isForm(r) {
		http.Redirect(w, r, location, http.StatusSeeOther)
		return
	}
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getEntry(ctx context.Context, id string) (fleet.Entry, error) {
	entries, err := s.ops.List(ctx)
	if err != nil {
		return fleet.Entry{}, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return fleet.Entry{}, fmt.Errorf("worker %s: %w", id, store.ErrNotFound)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := s.getEntry(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if wantsHTML(r) {
		in, err := s.ops.Inspect(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		tail, err := s.ops.Logs(r.Context(), id, 0)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		templates.WorkerPage(entry, in, tail).Render(r.Context(), w)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ops.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")

	var op func(context.Context, string) error
	switch action {
	case "start":
		op = s.ops.Start
	case "stop":
		op = s.ops.Stop
	case "restart":
		op = s.ops.Restart
	case "clear-error":
		op = s.ops.ClearError
	case "delete":
		op = s.ops.Delete
	default:
		http.NotFound(w, r)
		return
	}

	if err := op(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	if isForm(r) {
		target := "/workers/" + id
		if action == "delete" {
			target = "/workers"
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	in, err := s.ops.Inspect(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var limit int64
	if v := r.URL.Query().Get("bytes"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "bytes must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	tail, err := s.ops.Logs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, tail)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(tail.String()))
}

// handleFollow streams log growth as websocket text messages, starting at
// the byte offset in ?from= or the current end of the file.
func (s *Server) handleFollow(ws *websocket.Conn) {
	defer ws.Close()
	r := ws.Request()
	id := r.PathValue("id")
	if s.logPath == nil {
		return
	}

	offset := int64(-1)
	if v := r.URL.Query().Get("from"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			offset = n
		}
	}
	if offset < 0 {
		tail, err := s.ops.Logs(r.Context(), id, 1)
		if err != nil {
			websocket.Message.Send(ws, err.Error())
			return
		}
		offset = tail.Size
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The browser never sends anything; a read error means it went away.
	go func() {
		var discard string
		for websocket.Message.Receive(ws, &discard) == nil {
		}
		cancel()
	}()

	err := logview.Follow(ctx, s.logPath(id), offset, s.poll, func(b []byte) error {
		return websocket.Message.Send(ws, string(b))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("log follow ended", "worker", id, "error", err)
	}
}
