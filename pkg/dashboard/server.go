package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// frontend owns the dashboard's listener, route table and health probe.
type frontend struct {
	logger  zerolog.Logger
	addr    string
	mux     *http.ServeMux
	handler http.Handler
	srv     *http.Server
	started time.Time

	mu    sync.RWMutex
	bound string
}

// newFrontend prepares a listener on addr, e.g. ":8080" or ":0" for an
// ephemeral port. Every request passes through the access log.
func newFrontend(logger zerolog.Logger, addr string) *frontend {
	f := &frontend{
		logger: logger.With().Str("component", "HTTPFrontend").Logger(),
		addr:   addr,
		mux:    http.NewServeMux(),
	}
	f.mux.HandleFunc("GET /healthz", f.handleHealthz)
	f.handler = f.accessLog(f.mux)
	f.srv = &http.Server{
		Addr:              addr,
		Handler:           f.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return f
}

// start binds the listener and serves in the background.
func (f *frontend) start() error {
	listener, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", f.addr, err)
	}

	f.mu.Lock()
	f.bound = listener.Addr().String()
	f.started = time.Now()
	f.mu.Unlock()

	f.logger.Info().Str("address", f.bound).Msg("Dashboard listening.")
	go func() {
		if err := f.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error().Err(err).Msg("Dashboard server failed.")
		}
	}()
	return nil
}

// stop drains in-flight requests within the context's deadline.
func (f *frontend) stop(ctx context.Context) error {
	f.logger.Info().Msg("Stopping dashboard listener...")
	if err := f.srv.Shutdown(ctx); err != nil {
		f.logger.Error().Err(err).Msg("Error while draining dashboard requests.")
		return err
	}
	f.logger.Info().Msg("Dashboard listener stopped.")
	return nil
}

// port returns the bound port, which differs from the configured one when
// ":0" was requested.
func (f *frontend) port() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, port, err := net.SplitHostPort(f.bound)
	if err != nil {
		return f.addr
	}
	return ":" + port
}

func (f *frontend) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	f.mu.RLock()
	started := f.started
	f.mu.RUnlock()
	resp := map[string]string{"status": "ok"}
	if !started.IsZero() {
		resp["uptime"] = time.Since(started).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// accessLog logs one Debug line per request, or Warn for 5xx responses.
func (f *frontend) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := f.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = f.logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("Request served.")
	})
}
