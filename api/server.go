// Package api exposes the approval engine over JSON HTTP for the approval UI.
// Callers are authenticated upstream; the user arrives in the X-User-Id header.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vitwit/x402-approvals/logger"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(handler.Log))

	r.Get("/health", handler.Health)
	r.Get("/chains", handler.Chains)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", handler.Capture)
			r.Get("/", handler.List)
			r.Get("/{paymentId}", handler.Get)
			r.Post("/{paymentId}/authorization", handler.PrepareAuthorization)
			r.Post("/{paymentId}/approve", handler.Approve)
			r.Post("/{paymentId}/reject", handler.Reject)
			r.Post("/{paymentId}/expire", handler.Expire)
		})
		r.Get("/transactions", handler.Transactions)
	})

	return &Server{Router: r}
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
		})
	}
}
