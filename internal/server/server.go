// Package server exposes window sessions over HTTP: a websocket endpoint
// remote display surfaces attach to, and a JSON API to drive windows.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/shellkit/wmd/internal/host"
	"github.com/shellkit/wmd/internal/store"
	"github.com/shellkit/wmd/internal/transport"
	"github.com/shellkit/wmd/internal/window"
)

const maxBody = 1 << 20

type Server struct {
	manager        *window.Manager
	queue          *window.Queue
	content        http.Handler
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	upgrader       websocket.Upgrader
}

func New(m *window.Manager, q *window.Queue, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		manager:        m,
		queue:          q,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:       s.checkOrigin,
		EnableCompression: true,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetContent serves h at "/" for the pages loaded into windows.
// Must be called before Handler.
func (s *Server) SetContent(h http.Handler) {
	s.content = h
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/windows", s.handleWindows)
	mux.HandleFunc("/api/windows/", s.handleWindowRoutes)
	if s.content != nil {
		mux.Handle("/", s.content)
	}
	return securityHeaders(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	wid := r.URL.Query().Get("wid")
	if wid == "" {
		http.Error(w, "missing wid", http.StatusBadRequest)
		return
	}
	if _, err := s.manager.Get(wid); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("ws upgrade error: %v", err)
		return
	}

	glog.Infof("%s: display surface connected from %s", wid, r.RemoteAddr)
	err = s.manager.Serve(r.Context(), wid, transport.NewRemote(wid, conn))
	glog.Infof("%s: display surface %s gone: %v", wid, r.RemoteAddr, err)
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.manager.List())
	case http.MethodPost:
		var req window.OpenRequest
		if !readJSON(w, r, &req) {
			return
		}
		sess, err := s.open(r.Context(), req, r.URL.Query().Get("wait") != "false")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess.Info())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// open runs req through the creator queue, or with wait unset only creates
// the window and subscribes it so the caller does not block on the
// display surface.
func (s *Server) open(ctx context.Context, req window.OpenRequest, wait bool) (*window.Session, error) {
	if wait {
		return s.queue.Open(ctx, req)
	}
	sess, err := s.manager.Create(ctx, req.CreateOptions)
	if err != nil {
		return nil, err
	}
	if req.Feed != "" {
		if err := s.manager.FeedSub(ctx, sess.ID(), req.Feed, req.Branches); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

func (s *Server) handleWindowRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/windows/{id}[/{action}]
	path := strings.TrimPrefix(r.URL.Path, "/api/windows/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid window id", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleWindow(w, r, id)
	case "feed":
		s.handleFeed(w, r, id)
	case "begin-render":
		s.handleSimple(w, r, func() error { return s.manager.BeginRender(r.Context(), id) })
	case "resend":
		s.handleSimple(w, r, func() error { return s.manager.Resend(r.Context(), id) })
	case "front":
		s.handleSimple(w, r, func() error { return s.manager.MoveToFront(id) })
	case "nav":
		s.handleNav(w, r, id)
	case "dispatch":
		s.handleDispatch(w, r, id)
	case "bounds":
		s.handleBounds(w, r, id)
	case "cmd":
		s.handleCommand(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		sess, err := s.manager.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.Info())
	case http.MethodDelete:
		if err := s.manager.Delete(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Feed     string   `json:"feed"`
		Branches []string `json:"branches"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Feed == "" {
		http.Error(w, "missing feed", http.StatusBadRequest)
		return
	}
	if err := s.manager.FeedSub(r.Context(), id, req.Feed, req.Branches); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNav(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Route string `json:"route"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.manager.Nav(id, req.Route); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Action any `json:"action"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.manager.Dispatch(id, req.Action); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBounds(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		b, err := s.manager.WindowBounds(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	case http.MethodPut:
		var b host.Bounds
		if !readJSON(w, r, &b) {
			return
		}
		if err := s.manager.SetWindowBounds(id, b); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cmd store.Command
	if !readJSON(w, r, &cmd) {
		return
	}
	result, err := s.manager.Run(r.Context(), id, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleSimple(w http.ResponseWriter, r *http.Request, fn func() error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := fn(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, window.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, window.ErrDisposed):
		status = http.StatusConflict
	case errors.Is(err, store.ErrUnknownCommand):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Wmd-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	for _, local := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves h on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		glog.Infof("Server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
