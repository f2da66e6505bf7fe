package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"companionhub/internal/app"
	"companionhub/internal/identity"
	"companionhub/internal/ratelimit"
	"companionhub/internal/util"
	"companionhub/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	Verifier                   *identity.Verifier
	RedisAddr                  string
	RedisPassword              string
	CreateRateLimitPerMinute   int
	BookmarkRateLimitPerMinute int
	SessionRateLimitPerMinute  int
}

// Server exposes the companion directory over HTTP.
type Server struct {
	app             *app.App
	verifier        *identity.Verifier
	mux             *http.ServeMux
	createLimiter   *ratelimit.FixedWindowLimiter
	bookmarkLimiter *ratelimit.FixedWindowLimiter
	sessionLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires an app")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server requires an identity verifier")
	}
	createLimit := cfg.CreateRateLimitPerMinute
	if createLimit <= 0 {
		createLimit = 10
	}
	bookmarkLimit := cfg.BookmarkRateLimitPerMinute
	if bookmarkLimit <= 0 {
		bookmarkLimit = 60
	}
	sessionLimit := cfg.SessionRateLimitPerMinute
	if sessionLimit <= 0 {
		sessionLimit = 30
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "companionhub:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	createLimiter, err := newLimiter("create", createLimit)
	if err != nil {
		return nil, err
	}
	bookmarkLimiter, err := newLimiter("bookmark", bookmarkLimit)
	if err != nil {
		return nil, err
	}
	sessionLimiter, err := newLimiter("session", sessionLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		verifier:        cfg.Verifier,
		mux:             http.NewServeMux(),
		createLimiter:   createLimiter,
		bookmarkLimiter: bookmarkLimiter,
		sessionLimiter:  sessionLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// catalog
	s.mux.HandleFunc("/api/companions", s.handleCompanions)
	s.mux.HandleFunc("/api/companions/", s.handleCompanionByID)

	// bookmarks and sessions
	s.mux.Handle("/api/bookmarks", s.authenticated(s.handleBookmarks))
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/recent", s.handleRecentSessions)

	// caller-scoped views
	s.mux.Handle("/api/users/me/companions", s.authenticated(s.handleMyCompanions))
	s.mux.Handle("/api/users/me/sessions", s.authenticated(s.handleMySessions))
	s.mux.Handle("/api/users/me/permissions/new-companion", s.authenticated(s.handleNewCompanionPermission))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "companions.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, err := s.verifier.VerifyIdentity(token)
		if err != nil {
			s.audit(r, "companions.authorize", "fail", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, id)
	})
}

// optionalIdentity resolves the caller identity when a bearer token is
// present. A missing token yields an anonymous identity; a present but
// invalid token is rejected rather than silently downgraded.
func (s *Server) optionalIdentity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.Identity{}, true
	}
	id, err := s.verifier.VerifyIdentity(token)
	if err != nil {
		s.audit(r, "companions.authorize", "fail", "reason", "invalid_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return domain.Identity{}, false
	}
	return id, true
}

// GET /api/companions, POST /api/companions
func (s *Server) handleCompanions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListCompanions(w, r)
	case http.MethodPost:
		s.authenticated(s.handleCreateCompanion).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListCompanions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.optionalIdentity(w, r)
	if !ok {
		return
	}
	query, err := listQueryFromRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var companions []domain.Companion
	if id.UserID != "" {
		companions, err = s.app.ListCompanionsForUser(query, id.UserID)
	} else {
		companions, err = s.app.ListCompanions(query)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeCompanionList(w, companions)
}

func (s *Server) handleCreateCompanion(w http.ResponseWriter, r *http.Request, id domain.Identity) {
	if !s.allowRate(w, r, s.createLimiter, "too many companion creations") {
		s.audit(r, "companions.create", "rate_limited", "user_id", id.UserID)
		return
	}
	var in app.CreateCompanionInput
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	companion, err := s.app.CreateCompanion(id, in)
	if err != nil {
		if errors.Is(err, app.ErrQuotaExceeded) {
			s.audit(r, "companions.create", "fail", "user_id", id.UserID, "reason", "quota_exceeded")
		}
		writeAppError(w, err)
		return
	}
	s.audit(r, "companions.create", "success", "user_id", id.UserID, "companion_id", companion.ID)
	writeJSON(w, http.StatusCreated, companion)
}

// /api/companions/{id} or /api/companions/{id}/bookmark
func (s *Server) handleCompanionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/companions/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 && parts[1] == "bookmark" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.authenticated(func(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
			s.handleToggleBookmark(w, r, caller, id)
		}).ServeHTTP(w, r)
		return
	}
	if len(parts) == 2 {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	caller, ok := s.optionalIdentity(w, r)
	if !ok {
		return
	}
	var (
		companion domain.Companion
		err       error
	)
	if caller.UserID != "" {
		companion, err = s.app.GetCompanionForUser(id, caller.UserID)
	} else {
		companion, err = s.app.GetCompanion(id)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, companion)
}

func (s *Server) handleToggleBookmark(w http.ResponseWriter, r *http.Request, caller domain.Identity, companionID string) {
	if !s.allowRate(w, r, s.bookmarkLimiter, "too many bookmark toggles") {
		s.audit(r, "companions.bookmark", "rate_limited", "user_id", caller.UserID)
		return
	}
	bookmarked, err := s.app.ToggleBookmark(caller.UserID, companionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"companionId":  companionID,
		"isBookmarked": bookmarked,
	})
}

func (s *Server) handleBookmarks(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	companions, err := s.app.UserBookmarks(caller.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeCompanionList(w, companions)
}

func (s *Server) handleMyCompanions(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	companions, err := s.app.UserCompanions(caller.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeCompanionList(w, companions)
}

func (s *Server) handleNewCompanionPermission(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	allowed, err := s.app.CanCreateCompanion(caller)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

type sessionRequest struct {
	CompanionID string          `json:"companionId"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// POST /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.authenticated(func(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
		if !s.allowRate(w, r, s.sessionLimiter, "too many session writes") {
			s.audit(r, "sessions.record", "rate_limited", "user_id", caller.UserID)
			return
		}
		var req sessionRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rec, err := s.app.RecordSession(caller.UserID, req.CompanionID, req.Metadata)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}).ServeHTTP(w, r)
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := intQueryParam(r, "limit")
	if err != nil {
		writeAppError(w, err)
		return
	}
	companions, err := s.app.RecentSessionCompanions(limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeCompanionList(w, companions)
}

func (s *Server) handleMySessions(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := intQueryParam(r, "limit")
	if err != nil {
		writeAppError(w, err)
		return
	}
	companions, err := s.app.UserSessionCompanions(caller.UserID, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeCompanionList(w, companions)
}

func listQueryFromRequest(r *http.Request) (app.ListQuery, error) {
	q := app.ListQuery{
		Subject: r.URL.Query().Get("subject"),
		Topic:   r.URL.Query().Get("topic"),
	}
	limit, err := intQueryParam(r, "limit")
	if err != nil {
		return app.ListQuery{}, err
	}
	page, err := intQueryParam(r, "page")
	if err != nil {
		return app.ListQuery{}, err
	}
	q.Limit = limit
	q.Page = page
	return q, nil
}

// intQueryParam parses an optional positive integer query parameter.
// Absent means zero, which downstream normalization turns into the
// default. Unparseable values fail fast.
func intQueryParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", app.ErrInvalidArgument, name)
	}
	return n, nil
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + clientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		parts := strings.Split(xfwd, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeCompanionList(w http.ResponseWriter, companions []domain.Companion) {
	if companions == nil {
		companions = []domain.Companion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": companions,
		"count": len(companions),
	})
}

// writeAppError maps application errors onto HTTP statuses. Store
// failures surface as opaque 500s; their driver detail stays in logs.
func writeAppError(w http.ResponseWriter, err error) {
	var storeErr *app.StoreError
	switch {
	case errors.Is(err, app.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "companion not found")
	case errors.Is(err, app.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, "companion quota exceeded")
	case errors.As(err, &storeErr):
		slog.Error("store failure", "op", storeErr.Op, "err", storeErr.Err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "COMPANION_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "COMPANION_QUOTA_EXCEEDED"
	case http.StatusNotFound:
		return "COMPANION_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
