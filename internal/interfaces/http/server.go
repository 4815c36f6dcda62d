// Package http exposes the service facade over the marketplace's REST
// surface. The transport is deliberately thin: decode, call the facade, map
// error kinds to statuses. Streams are relayed as line-delimited JSON.
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cybergolemai/gollem-lob/internal/service"
)

// Server hosts the matcher's REST API.
type Server struct {
	router *mux.Router
	server *http.Server
	svc    *service.Service
	log    zerolog.Logger
}

// NewServer builds the router and handlers around the facade.
func NewServer(listen string, svc *service.Service, logger zerolog.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		svc:    svc,
		log:    logger.With().Str("component", "http").Logger(),
	}
	s.routes()

	s.server = &http.Server{
		Addr:    listen,
		Handler: s.router,
		// No WriteTimeout: generate streams outlive any sane fixed value.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/api/generate", s.handleGenerate).Methods(http.MethodPost)
	s.router.HandleFunc("/api/generate/stream", s.handleGenerateStream).Methods(http.MethodPost)
	s.router.HandleFunc("/api/provider/status", s.handleProviderStatus).Methods(http.MethodPost)
	s.router.HandleFunc("/api/orderbook/status", s.handleOrderBookStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/provider/circuit", s.handleCircuitStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/provider/ratelimit", s.handleRateLimitStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/provider/latency", s.handleLatencyMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("matcher listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type contextKey string

const requestIDKey contextKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// statusRecorder captures the response code for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		requestDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("request_id", requestID).
			Msg("request")
	})
}
