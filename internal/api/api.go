// Package api exposes the relay over HTTP: JSON endpoints for every
// participant action, a Server-Sent Events stream per chat, and the
// WebSocket upgrade.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/ws"
)

// TokenHeader carries the session token when it is not in the body.
const TokenHeader = "X-Session-Token"

// ConnLimiter throttles stream connections per client IP.
type ConnLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Handler serves the relay's HTTP surface.
type Handler struct {
	svc     *relay.Service
	sockets *ws.Server
	limiter ConnLimiter
	log     zerolog.Logger
}

// NewHandler creates a Handler. sockets and limiter may be nil.
func NewHandler(svc *relay.Service, sockets *ws.Server, limiter ConnLimiter, log zerolog.Logger) *Handler {
	return &Handler{
		svc:     svc,
		sockets: sockets,
		limiter: limiter,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router with global middleware and all routes.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(CORS(allowedOrigins))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/status", http.StatusFound)
	})
	r.Get("/status", h.serviceStatus)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/chats/{chatID}", func(r chi.Router) {
		r.Use(routeLatency)

		r.Post("/login", h.login)
		r.Post("/logout", h.logout)
		r.Post("/messages", h.send)
		r.Get("/messages", h.fetch)
		r.Post("/seen", h.markSeen)
		r.Post("/heartbeat", h.heartbeat)
		r.Get("/status", h.status)
		r.Post("/typing", h.setTyping)
		r.Get("/typing", h.getTyping)
		r.Post("/clear", h.clear)

		r.Group(func(r chi.Router) {
			r.Use(h.limitConnections)
			r.Get("/events", h.events)
			if h.sockets != nil {
				r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
					h.sockets.HandleUpgrade(w, r, chi.URLParam(r, "chatID"))
				})
			}
		})
	})

	return r
}

// requestLogger logs one line per request through zerolog.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug().
					Str("request_id", chiMiddleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// routeLatency records request latency per route pattern.
func routeLatency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		metrics.RequestLatency.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
	})
}

// limitConnections applies ratelimit.RuleConnect per client IP to stream
// endpoints. Limiter failures let the connection through.
func (h *Handler) limitConnections(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			ok, err := h.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect)
			if err != nil {
				h.log.Debug().Err(err).Msg("connection limiter unavailable")
			}
			if !ok {
				w.Header().Set("Retry-After", "60")
				Error(w, http.StatusTooManyRequests, "too many connections")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
