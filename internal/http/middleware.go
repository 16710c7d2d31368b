package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
)

type contextKey string

const (
	requestIDKey contextKey = "request-id"
	userKey      contextKey = "user"
	logSlotKey   contextKey = "log-slot"
)

const (
	roleDriver    = "driver"
	rolePassenger = "passenger"
	roleDevice    = "device"
)

// User is the caller identity forwarded by the auth gateway.
type User struct {
	ID    string
	Roles []string
}

func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticated resolves the caller. With a token verifier configured it
// takes a bearer token (or ?token= on websocket upgrades, which browsers
// cannot send headers on). Otherwise it reads the X-User-ID header set by
// the gateway; X-User-Roles is a comma separated list.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.identify(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		if slot, ok := r.Context().Value(logSlotKey).(*accessLog); ok {
			slot.userID = u.ID
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	}
}

func (s *Server) identify(r *http.Request) (User, error) {
	if s.tokens != nil {
		raw := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimPrefix(h, "Bearer ")
		}
		if raw == "" {
			return User{}, errors.New("missing bearer token")
		}
		claims, err := s.tokens.Validate(raw)
		if err != nil {
			s.logger.Debug("token rejected", "error", err, "request_id", requestIDFromContext(r.Context()))
			return User{}, errors.New("invalid bearer token")
		}
		return User{ID: claims.UserID, Roles: normalizeRoles(claims.Roles)}, nil
	}
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if id == "" {
		return User{}, errors.New("missing user identity")
	}
	return User{ID: id, Roles: normalizeRoles(strings.Split(r.Header.Get("X-User-Roles"), ","))}, nil
}

func normalizeRoles(in []string) []string {
	var out []string
	for _, role := range in {
		if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
			out = append(out, role)
		}
	}
	return out
}

func (s *Server) withRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		if !userFromContext(r.Context()).HasRole(role) {
			s.writeError(w, r, &models.Error{Kind: models.KindForbidden, Msg: role + " role required"})
			return
		}
		next(w, r)
	})
}

func userFromContext(ctx context.Context) User {
	u, _ := ctx.Value(userKey).(User)
	return u
}

// accessLog carries fields resolved further down the chain back to the
// access log line.
type accessLog struct {
	userID string
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		slot := &accessLog{}
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), logSlotKey, slot)))

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)

		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())

		args := []any{
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", remoteIP(r),
		}
		if rid := requestIDFromContext(r.Context()); rid != "" {
			args = append(args, "request_id", rid)
		}
		if slot.userID != "" {
			args = append(args, "user_id", slot.userID)
		}
		s.logger.Info("http_request", args...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "route", routeTemplate(r))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the wrapper.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *responseWriter) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
