// Package web serves the relay's read-only status API alongside /metrics and
// /healthz.
package web

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	metricsprom "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"github.com/hpungsan/unseal/internal/ops"
)

// Options configures the status server.
type Options struct {
	Addr        string
	DB          *sql.DB
	Coordinator *ops.Coordinator
	// Registry holds the domain collectors; HTTP metrics are added to it.
	Registry *prometheus.Registry
	Version  string
	Logger   zerolog.Logger
}

// NewServer creates the HTTP server for the status API.
func NewServer(opts Options) *http.Server {
	log := opts.Logger.With().Str("component", "web").Logger()
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	h := &Handlers{
		db:      opts.DB,
		coord:   opts.Coordinator,
		version: opts.Version,
	}

	mdlw := middleware.New(middleware.Config{
		Recorder: metricsprom.NewRecorder(metricsprom.Config{
			Prefix:   "unseal",
			Registry: opts.Registry,
		}),
	})

	r := mux.NewRouter()
	r.Use(securityHeaders, loggingMiddleware(log))

	// handler ids keep the metric labels bounded
	route := func(path, id string, fn http.HandlerFunc) {
		r.Handle(path, std.Handler(id, mdlw, fn)).Methods(http.MethodGet)
	}
	route("/healthz", "healthz", h.HandleHealth)
	route("/api/transfers", "transfers", h.HandleTransferList)
	route("/api/transfers/{id}", "transfer", h.HandleTransferGet)
	route("/api/capsules/{id}", "capsule", h.HandleCapsuleGet)
	route("/api/groups", "groups", h.HandleGroupList)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with its status and duration. Non-2xx
// responses are logged at warn.
func loggingMiddleware(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			ev := log.Debug()
			if rw.status >= 300 {
				ev = log.Warn()
			}
			ev.Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("client_ip", r.RemoteAddr).
				Dur("duration", time.Since(start)).
				Int("response_code", rw.status).
				Msg("api")
		})
	}
}

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Run serves srv until ctx is cancelled, then shuts it down gracefully.
func Run(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().Str("addr", srv.Addr).Msg("status server listening")
	if strings.HasPrefix(srv.Addr, ":") || strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		log.Warn().Str("addr", srv.Addr).Msg("status server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("status server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
