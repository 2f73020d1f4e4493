package devserver

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nerrad567/apilink/internal/auth"
	"github.com/nerrad567/apilink/internal/infrastructure/config"
)

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keySubject
)

const maxRequestBodySize = 1 << 20

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(keyRequestID).(string)
	return id
}

func subject(ctx context.Context) string {
	sub, _ := ctx.Value(keySubject).(string)
	return sub
}

// stack is the middleware every route passes through, outermost first.
func (s *Server) stack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		s.withRequestID,
		s.withAccessLog,
		s.withRecovery,
		newCORSPolicy(s.cfg.CORS).handler,
		middleware.RequestSize(maxRequestBodySize),
	}
}

// withRequestID echoes the caller's X-Request-ID or assigns a new one.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(auth.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(auth.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyRequestID, id)))
	})
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			// Nothing written: an upgraded or empty response.
			status = http.StatusOK
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID(r.Context()),
		)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
				panic(rec)
			}
			s.logger.Error("handler panicked",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", requestID(r.Context()),
			)
			fail(w, r, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// withAuth requires an HS256 bearer token signed with the configured
// secret. Without a secret every request passes.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			fail(w, r, http.StatusUnauthorized, "bearer token is required")
			return
		}
		claims, err := auth.ParseToken(token, s.cfg.AuthSecret)
		if err != nil {
			s.logger.Debug("rejected bearer token", "error", err, "request_id", requestID(r.Context()))
			fail(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keySubject, claims.Subject)))
	})
}

// corsPolicy is the CORS configuration resolved once per router.
type corsPolicy struct {
	anyOrigin bool
	origins   []string
	methods   string
	headers   string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{
		anyOrigin: len(cfg.AllowedOrigins) == 0 || slices.Contains(cfg.AllowedOrigins, "*"),
		origins:   cfg.AllowedOrigins,
		methods:   "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		headers:   "Authorization, Content-Type, X-Request-ID, Last-Event-ID",
	}
	if len(cfg.AllowedMethods) > 0 {
		p.methods = strings.Join(cfg.AllowedMethods, ", ")
	}
	if len(cfg.AllowedHeaders) > 0 {
		p.headers = strings.Join(cfg.AllowedHeaders, ", ")
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	return p.anyOrigin || slices.Contains(p.origins, origin)
}

// handler sets CORS headers for allowed origins and answers preflight
// requests itself.
func (p corsPolicy) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && p.allows(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", p.methods)
			h.Set("Access-Control-Allow-Headers", p.headers)
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Total-Count")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
