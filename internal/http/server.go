package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lsmrepl/pkg/compression"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/rpc"
	"lsmrepl/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	maxRegisterBodyBytes   = 4 << 10
)

type iControlService interface {
	RegisterSession(last types.SequenceNumber) (string, error)
	DownloadSnapshot(ctx context.Context, w io.Writer) (int64, error)
}

// Server exposes the control plane of a primary over HTTP.
type Server struct {
	svc      iControlService
	authKey  string
	gatherer prometheus.Gatherer
	addr     string
	kv       iKVReader
}

// NewServer creates the control server. A nil gatherer leaves /metrics out.
func NewServer(svc iControlService, authKey, addr string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		svc:      svc,
		authKey:  authKey,
		gatherer: gatherer,
		addr:     addr,
	}
}

// ServeKV exposes st under /kv behind the same auth key.
func (s *Server) ServeKV(st iKVReader) *Server {
	s.kv = st
	return s
}

// Run serves until ctx is done, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, l)
}

func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(l)
	}()
	slog.Info("control server started", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("control server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown control server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	slog.Info("control server stopped")
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post(rpc.RegisterPath, s.handleRegister)
		r.Get(rpc.DownloadPath, s.handleDownload)
		if s.kv != nil {
			MountKV(r, s.kv)
		}
	})

	return r
}

// authenticate rejects requests without the shared secret before they
// reach the handlers. The response is 403 with no body.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(rpc.AuthHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.authKey)) != 1 {
			slog.Warn("control request with bad auth key", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		slog.Debug("control request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req rpc.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRegisterBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, NewRegisterFailure("Failed to parse request: "+err.Error()))
		return
	}

	key, err := s.svc.RegisterSession(req.LastSequenceNumber)
	switch {
	case errors.Is(err, replication.ErrStartUnavailable):
		writeJSON(w, http.StatusOK, NewRegisterFailure(err.Error()))
	case err != nil:
		slog.Error("session registration failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, NewRegisterFailure(err.Error()))
	default:
		writeJSON(w, http.StatusOK, NewRegisterSuccess(key))
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	lw := &lazyHeaderWriter{w: w}

	n, err := s.svc.DownloadSnapshot(r.Context(), lw)
	if err == nil {
		if !lw.started {
			lw.start()
		}
		return
	}

	if !lw.started {
		slog.Error("snapshot download failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	// headers are gone, the replica sees a truncated stream
	slog.Error("snapshot stream interrupted", "bytes", n, "error", err)
}

// lazyHeaderWriter commits the 200 status and archive headers on the first
// write, so errors before any data can still be reported as 500.
type lazyHeaderWriter struct {
	w       http.ResponseWriter
	started bool
}

func (l *lazyHeaderWriter) start() {
	l.started = true
	l.w.Header().Set("Content-Type", compression.ContentType)
	l.w.Header().Set("Content-Disposition", `attachment; filename="backup.tar.zst"`)
	l.w.WriteHeader(http.StatusOK)
}

func (l *lazyHeaderWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.start()
	}
	return l.w.Write(p)
}
