package proxy

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/enhance-gateway/internal/auth"
	"github.com/vnmchuo/enhance-gateway/internal/provider/dzine"
	"github.com/vnmchuo/enhance-gateway/internal/telemetry"
)

type RouteOptions struct {
	// Auth guards the /v1 routes; nil leaves them public.
	Auth          auth.Middleware
	AllowedOrigin string
	Logger        zerolog.Logger
}

func NewRoutes(h *Handler, opts RouteOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(telemetry.RequestLogger(opts.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(CORS(opts.AllowedOrigin))

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeFailure(w, fmt.Errorf("%w: %s", ErrMethodNotAllowed, r.Method))
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "enhance-gateway"})
	})

	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		for _, op := range []dzine.Operation{dzine.OperationUpscale, dzine.OperationRestore} {
			r.Post("/v1/"+string(op), h.HandleSubmit(op))
			r.Get("/v1/"+string(op), h.HandleSubmitOrStatus)
		}
		r.Get("/v1/jobs/{taskId}", h.HandleStatus)
		r.Post("/v1/cdn/upscale", h.HandleCDN)
		r.Get("/v1/usage", h.HandleUsage)
	})

	return r
}
