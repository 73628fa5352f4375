// Package server wires the HTTP surface: the streaming-audio WebSocket,
// the meeting API, health probes and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lectern-ai/lectern/internal/config"
	"github.com/lectern-ai/lectern/internal/health"
	"github.com/lectern-ai/lectern/internal/observe"
	"github.com/lectern-ai/lectern/internal/postprocess"
	"github.com/lectern-ai/lectern/internal/recorder"
	"github.com/lectern-ai/lectern/internal/session"
	"github.com/lectern-ai/lectern/internal/store"
)

// shutdownGrace bounds the HTTP server drain during Shutdown; WebSocket
// connections are closed separately by the session manager.
const shutdownGrace = 10 * time.Second

// Server hosts all ingress for one Lectern instance.
type Server struct {
	cfg     config.ServerConfig
	httpSrv *http.Server
	mgr     *session.Manager
	st      *store.Store
	runner  *postprocess.Runner
	log     *slog.Logger
}

// New assembles the route table. st and runner may be nil when persistence
// or post-processing is not configured; the corresponding endpoints then
// answer 503.
func New(cfg *config.Config, mgr *session.Manager, st *store.Store, recordings *recorder.Registry, runner *postprocess.Runner) *Server {
	s := &Server{
		cfg:    cfg.Server,
		mgr:    mgr,
		st:     st,
		runner: runner,
		log:    slog.Default(),
	}

	metrics := observe.DefaultMetrics()
	mux := http.NewServeMux()

	// The WebSocket route bypasses the observability middleware: its response
	// recorder breaks connection hijacking.
	mux.HandleFunc("GET /ws/streaming-audio", s.handleStreamingAudio)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/sessions/{id}/meeting", s.handleAssignMeeting)
	api.HandleFunc("POST /api/meetings/{id}/postprocess", s.handlePostProcess)
	api.HandleFunc("GET /api/meetings/{id}/versions", s.handleListVersions)
	api.HandleFunc("POST /api/meetings/{id}/versions/{num}/promote", s.handlePromote)
	api.HandleFunc("GET /api/meetings/{id}/transcript", s.handleTranscript)
	api.HandleFunc("PUT /api/meetings/{id}/speakers/{label}", s.handleRenameSpeaker)
	mux.Handle("/api/", observe.Middleware(metrics)(api))

	checkers := []health.Checker{health.RecordingsDir(recordings.Root())}
	if st != nil {
		checkers = append(checkers, health.Database(st.Pool()))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS != nil)

	var err error
	if s.cfg.TLS != nil {
		err = s.httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.httpSrv.Shutdown(dctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleStreamingAudio(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	q := r.URL.Query()
	if err := s.mgr.HandleConn(r.Context(), c, q.Get("session_id"), q.Get("user_email")); err != nil {
		s.log.Error("streaming session failed", "err", err)
	}
}

func (s *Server) handleAssignMeeting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MeetingID string `json:"meeting_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MeetingID == "" {
		writeError(w, http.StatusBadRequest, "body must carry meeting_id")
		return
	}

	err := s.mgr.AssignMeeting(r.Context(), r.PathValue("id"), body.MeetingID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"meeting_id": body.MeetingID})
	}
}

// handlePostProcess kicks off the post-meeting pipeline asynchronously and
// answers 202; progress lands in the meeting's diarization_status.
func (s *Server) handlePostProcess(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "post-processing not configured")
		return
	}
	meetingID := r.PathValue("id")
	go func() {
		if err := s.runner.Run(context.Background(), meetingID); err != nil {
			s.log.Error("post-processing failed", "meeting_id", meetingID, "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"meeting_id": meetingID, "status": postprocess.StatusRunning})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	versions, err := s.st.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	num, err := strconv.Atoi(r.PathValue("num"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "version number must be an integer")
		return
	}

	err = s.st.Promote(r.Context(), r.PathValue("id"), num)
	switch {
	case errors.Is(err, store.ErrVersionNotFound):
		writeError(w, http.StatusNotFound, "version not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"promoted": num})
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	v, err := s.st.GetAuthoritative(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "no authoritative version")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRenameSpeaker(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "body must carry display_name")
		return
	}
	if err := s.st.RenameSpeaker(r.Context(), r.PathValue("id"), r.PathValue("label"), body.DisplayName); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"label":        r.PathValue("label"),
		"display_name": body.DisplayName,
	})
}

// requireStore answers 503 when persistence is not configured.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.st == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
