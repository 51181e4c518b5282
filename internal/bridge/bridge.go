// Package bridge is the optional REST surface of the server: a small HTTP
// API that lets operators and the netsyncctl CLI inspect rooms and preseed
// network variables before any client joins. Preseeded writes are
// server-origin, so a client writing later with a fresh timestamp wins.
package bridge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/styly-dev/netsync/internal/hub"
)

// requestTimeout bounds a single bridge request. Everything here is an
// in-memory lookup, so anything slower is a wedged handler.
const requestTimeout = 10 * time.Second

// Bridge serves the management API on top of the hub.
type Bridge struct {
	logger *slog.Logger
	hub    *hub.Hub
}

// New returns a bridge over h.
func New(logger *slog.Logger, h *hub.Hub) *Bridge {
	return &Bridge{
		logger: logger.With(slog.String("component", "bridge")),
		hub:    h,
	}
}

// Router builds the chi router with the full route tree.
func (b *Bridge) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(b.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", b.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rooms", b.listRooms)
		r.Route("/rooms/{room}", func(r chi.Router) {
			r.Get("/", b.roomDetail)
			r.Get("/globals", b.listGlobals)
			r.Post("/globals/{name}", b.setGlobal)
			r.Delete("/globals/{name}", b.deleteGlobal)
			r.Get("/clients", b.listClientVars)
			r.Post("/clients/{clientNo}/vars/{name}", b.setClientVar)
			r.Delete("/clients/{clientNo}/vars/{name}", b.deleteClientVar)
		})
	})

	return r
}

// requestLogger logs one line per completed request.
func (b *Bridge) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		b.logger.Info("request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}
