package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"epd5in83b/internal/config"
	"epd5in83b/internal/convert"
	"epd5in83b/internal/epd"
	appLog "epd5in83b/internal/log"
	"epd5in83b/internal/pipeline"
)

// maxUploadBytes bounds POST /api/display bodies.
const maxUploadBytes = 16 << 20

// Server exposes the panel over HTTP.
//
//	GET  /health       liveness, never authenticated
//	GET  /api/status   panel state and last cycle outcome
//	POST /api/refresh  run a cycle from the configured source
//	POST /api/display  run a cycle with the uploaded image
//	POST /api/clear    paint the panel white
//	POST /api/sleep    put the panel into deep sleep
//	GET  /preview.png  the frame currently on the glass
type Server struct {
	cfg *config.Config
	ref *pipeline.Refresher
	mux *http.ServeMux

	// cycleTimeout bounds panel cycles started from HTTP. They are
	// detached from the request so a disconnecting client does not leave
	// the panel powered up halfway through a refresh.
	cycleTimeout time.Duration
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, ref *pipeline.Refresher) *Server {
	s := &Server{
		cfg:          cfg,
		ref:          ref,
		mux:          http.NewServeMux(),
		cycleTimeout: 2 * time.Minute,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts the
// server down gracefully. With an empty Listen address no socket is opened
// and it only waits for ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Listen == "" {
		appLog.Info("HTTP server disabled", "reason", "empty listen address")
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/display", s.handleDisplay)
	s.mux.HandleFunc("POST /api/clear", s.handleClear)
	s.mux.HandleFunc("POST /api/sleep", s.handleSleep)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="EPD", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ref.Status())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.runCycle(w, r, s.ref.Refresh)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.runCycle(w, r, s.ref.Clear)
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	s.runCycle(w, r, s.ref.Sleep)
}

// handleDisplay accepts any image imaging can decode and shows it, honouring
// EXIF orientation the same way file sources do.
func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body is not a supported image")
		return
	}
	appLog.Info("api display request", "bytes", len(body), "bounds", img.Bounds().String())

	s.runCycle(w, r, func(ctx context.Context) error {
		return s.ref.Show(ctx, img)
	})
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request, cycle func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cycleTimeout)
	defer cancel()

	err := cycle(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.ref.Status())
	case errors.Is(err, pipeline.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrNoSource):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, epd.ErrBusyTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handlePreview renders the frame on the glass as a three-colour PNG.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.ref.LastFrame()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, convert.Preview(frame)); err != nil {
		appLog.Error("failed to write preview", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
