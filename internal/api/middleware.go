package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/mailgate/internal/ipfilter"
	"github.com/foxzi/mailgate/internal/metrics"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"client_ip", ipfilter.ClientIP(r, s.trusted).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// maxBodyMiddleware bounds the size of form bodies
func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// cronAuthMiddleware checks the cron bearer secret.
// An empty secret disables the check.
func (s *Server) cronAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.CronSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.CronSecret)) != 1 {
			s.logger.Warn("unauthorized cron request",
				"client_ip", ipfilter.ClientIP(r, s.trusted).String(),
				"path", r.URL.Path,
			)
			metrics.IncAPIErrors("auth")
			sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// adminAuthMiddleware checks the admin API key from the Authorization
// or X-API-Key header. A configured bcrypt hash takes precedence.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			key = r.Header.Get("X-API-Key")
		}

		if key == "" || !s.validAdminKey(key) {
			s.logger.Warn("unauthorized admin request",
				"client_ip", ipfilter.ClientIP(r, s.trusted).String(),
				"path", r.URL.Path,
			)
			sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) validAdminKey(key string) bool {
	if s.config.AdminKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.config.AdminKeyHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.AdminKey)) == 1
}

// bearerToken extracts the token of an "Authorization: Bearer" header
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return "", false
	}
	return strings.TrimSpace(auth[7:]), true
}
