// Package httpserver exposes the SSE transport over HTTP with chi: the event stream, the message
// endpoint and a health check that does not go through the dispatcher.
package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/MegaGrindStone/mcp-toolbox"
)

// Routes served by the router.
const (
	PathHealth   = "/health"
	PathSSE      = "/sse"
	PathMessages = "/messages"
)

// Options configures the router.
type Options struct {
	// ServerName is reported by the health check.
	ServerName string
	// AllowedOrigins lists the CORS origins; empty allows all.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter returns the HTTP handler for transport.
func NewRouter(transport *mcp.SSEServer, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get(PathHealth, handleHealth(opts.ServerName))
	r.Method(http.MethodGet, PathSSE, transport.HandleSSE())
	r.Method(http.MethodPost, PathMessages, transport.HandleMessage())

	return r
}

func handleHealth(serverName string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"server":    serverName,
			"transport": "sse",
		})
	}
}

// requestLogger logs one record per request once the handler returns. Event streams are logged
// when they close.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("requestID", middleware.GetReqID(r.Context())),
				slog.String("remote", r.RemoteAddr),
			)
		})
	}
}
