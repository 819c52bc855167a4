// Package api provides the HTTP server for scribe.
// Every route except /health, /metrics, the product list and the payment
// webhook requires an authenticated account.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/app/jobs"
	"github.com/tutu-network/scribe/internal/app/purchase"
	"github.com/tutu-network/scribe/internal/app/query"
	"github.com/tutu-network/scribe/internal/app/settlement"
	"github.com/tutu-network/scribe/internal/app/spend"
	"github.com/tutu-network/scribe/internal/app/transcripts"
	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// Version is reported by /api/version.
var Version = "dev"

// Config holds the server's secrets and knobs.
type Config struct {
	JWTSecret       string
	AdminKey        string
	WebhookSecret   string
	StartingBalance int64
	CORSOrigins     []string
	RequestTimeout  time.Duration
}

// Services are the application services the handlers call.
type Services struct {
	DB          *sqlite.DB
	Query       *query.Service
	Spend       *spend.Coordinator
	Pricing     spend.Pricing
	Transcripts *transcripts.Service
	Jobs        *jobs.Tracker
	Worker      *jobs.Worker
	Purchase    *purchase.Service
	Inbox       *settlement.Inbox
}

// Server is the scribe HTTP API server.
type Server struct {
	cfg            Config
	svc            Services
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(cfg Config, svc Services) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Minute
	}
	return &Server{cfg: cfg, svc: svc}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(s.corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.svc.DB.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		resp := map[string]any{"status": "ok"}
		if s.svc.Worker != nil {
			resp["jobs"] = s.svc.Worker.Stats()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/payments/products", s.handleProducts)
		r.Post("/payments/webhook", s.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/me", s.handleMe)
			r.Get("/credits/balance", s.handleBalance)
			r.Get("/credits/history", s.handleHistory)
			r.Post("/credits/spend", s.handleSpend)

			r.Post("/transcripts", s.handleStoreTranscript)
			r.Get("/transcripts", s.handleListTranscripts)
			r.Get("/transcripts/{id}", s.handleGetTranscript)

			r.Post("/summaries", s.handleRequestSummary)
			r.Get("/jobs/{id}", s.handleGetJob)

			r.Post("/payments/intents", s.handleCreateIntent)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/adjustments", s.handleAdjust)
			r.Post("/jobs/{id}/refund", s.handleRefund)
			r.Get("/audit", s.handleAudit)
		})
	})

	return r
}

// requestLogger writes one log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := log.Info()
		if ww.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// corsMiddleware adds CORS headers for the configured origins. An empty
// list allows any origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	if len(s.cfg.CORSOrigins) == 0 {
		return "*"
	}
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorDetail(w, status, msg, "error", nil)
}

func writeErrorDetail(w http.ResponseWriter, status int, msg, typ string, detail map[string]any) {
	body := map[string]any{
		"message": msg,
		"type":    typ,
	}
	for k, v := range detail {
		body[k] = v
	}
	writeJSON(w, status, map[string]any{"error": body})
}

// writeDomainError maps the error taxonomy to an HTTP response. Unclassified
// errors are logged and reported without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ice *domain.InsufficientCreditsError
		ve  *domain.ValidationError
		ce  *domain.ConflictError
	)
	switch {
	case errors.As(err, &ice):
		writeErrorDetail(w, http.StatusPaymentRequired, "Insufficient credits", "insufficient_credits", map[string]any{
			"current":  ice.Current,
			"required": ice.Required,
		})
	case errors.As(err, &ve):
		writeErrorDetail(w, http.StatusBadRequest, ve.Error(), "invalid_request", map[string]any{"field": ve.Field})
	case errors.As(err, &ce):
		detail := map[string]any{"resource": ce.Resource}
		if ce.ID != "" {
			detail["id"] = ce.ID
		}
		writeErrorDetail(w, http.StatusConflict, ce.Message, "conflict", detail)
	case domain.IsNotFound(err):
		writeErrorDetail(w, http.StatusNotFound, err.Error(), "not_found", nil)
	case errors.Is(err, domain.ErrNotConfigured):
		writeErrorDetail(w, http.StatusServiceUnavailable, "service not configured", "unavailable", nil)
	case domain.IsTransient(err):
		writeErrorDetail(w, http.StatusServiceUnavailable, "upstream service unavailable, try again later", "unavailable", nil)
	default:
		log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorDetail(w, http.StatusBadRequest, "invalid JSON body", "invalid_request", nil)
		return false
	}
	return true
}

const maxRequestBody = 8 << 20 // 8 MiB, transcripts can be large
