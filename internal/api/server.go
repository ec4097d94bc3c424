// Package api hosts the HTTP surface. Every route except health runs behind
// the per-tenant rate limit; every route except health and session init adds
// session authentication on top. Handlers only ever see a tenant
// identity that the session layer has already verified against the caller's
// address, so no handler can reach across tenants by construction.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/audit"
	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/document"
	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/ratelimit"
	"github.com/scanvault/scanvault/internal/scheduler"
	"github.com/scanvault/scanvault/internal/session"
	"github.com/scanvault/scanvault/internal/store"
	"github.com/scanvault/scanvault/internal/tenant"
)

type ctxKey int

const tenantKey ctxKey = 0

// RateLimiter decides request admission per tenant. *ratelimit.Limiter
// satisfies it; tests substitute their own.
type RateLimiter interface {
	Check(ctx context.Context, tenant model.TenantID) (ratelimit.Decision, error)
}

// Server hosts the HTTP handlers.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *tenant.Registry
	sessions *session.Manager
	docs     *document.Service
	sched    *scheduler.Scheduler
	trail    *audit.Trail
	limiter  RateLimiter
}

// New constructs the Server. limiter may be nil to disable rate limiting.
func New(cfg *config.Config, log *zap.Logger, registry *tenant.Registry, sessions *session.Manager, docs *document.Service, sched *scheduler.Scheduler, trail *audit.Trail, limiter RateLimiter) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		sessions: sessions,
		docs:     docs,
		sched:    sched,
		trail:    trail,
		limiter:  limiter,
	}
}

// Serve runs the HTTP server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("http server listening", zap.String("address", s.cfg.Address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes builds the full handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/session/init", s.handleSessionInit)

	mux.Handle("GET /api/user/info", s.authed(s.handleUserInfo))
	mux.Handle("PUT /api/user/settings", s.authed(s.handleUpdateSettings))
	mux.Handle("POST /api/session/logout", s.authed(s.handleLogout))
	mux.Handle("POST /api/session/logout-all", s.authed(s.handleLogoutAll))

	mux.Handle("POST /api/documents/upload", s.authed(s.handleUpload))
	mux.Handle("GET /api/documents", s.authed(s.handleList))
	mux.Handle("GET /api/documents/{id}/status", s.authed(s.handleStatus))
	mux.Handle("GET /api/documents/{id}/text", s.authed(s.handleText))
	mux.Handle("DELETE /api/documents/{id}", s.authed(s.handleDelete))
	mux.Handle("POST /api/documents/{id}/cancel", s.authed(s.handleCancel))

	mux.Handle("GET /api/processing/queue-status", s.authed(s.handleQueueStatus))

	return s.logged(mux)
}

// logged wraps every request with structured access logging.
func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

// allowRate runs the per-tenant admission check and writes the 429 when the
// window is closed. Returns false when the request must not proceed.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, addrTenant model.TenantID) bool {
	if s.limiter == nil {
		return true
	}
	dec, _ := s.limiter.Check(r.Context(), addrTenant)
	setRateHeaders(w, dec)
	if !dec.Allowed {
		s.trail.Record(addrTenant, audit.ActionRateLimited, "request", r.URL.Path, false, nil)
		s.writeError(w, &model.RateLimitedError{Limit: dec.Limit, Remaining: dec.Remaining, Reset: dec.Reset})
		return false
	}
	return true
}

// authed applies rate limiting and session authentication. The session's
// tenant must match the tenant derived from the caller's current address; a
// stolen token replayed from elsewhere fails exactly like a bad token.
func (s *Server) authed(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addrTenant := s.registry.TenantIDFor(r.RemoteAddr)

		if !s.allowRate(w, r, addrTenant) {
			return
		}

		token := bearerToken(r)
		if token == "" {
			s.writeError(w, model.ErrAuth)
			return
		}
		sessTenant, err := s.sessions.Validate(r.Context(), token)
		if err != nil || sessTenant != addrTenant {
			s.writeError(w, model.ErrAuth)
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, sessTenant)
		next(w, r.WithContext(ctx))
	})
}

func tenantFrom(r *http.Request) model.TenantID {
	t, _ := r.Context().Value(tenantKey).(model.TenantID)
	return t
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	// Unauthenticated, but never unmetered: the same window that guards the
	// authed surface also guards token minting.
	if !s.allowRate(w, r, s.registry.TenantIDFor(r.RemoteAddr)) {
		return
	}
	t, err := s.registry.Resolve(r.Context(), r.RemoteAddr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	token, expires, err := s.sessions.Init(r.Context(), t.ID, clientFingerprint(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.trail.Record(t.ID, audit.ActionSessionCreated, "session", "", true, nil)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tid := tenantFrom(r)
	if err := s.sessions.Invalidate(r.Context(), bearerToken(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.trail.Record(tid, audit.ActionSessionInvalidated, "session", "", true, nil)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleLogoutAll revokes every live session of the caller's tenant,
// including the one presenting the request.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	tid := tenantFrom(r)
	n, err := s.sessions.InvalidateAll(r.Context(), tid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.trail.Record(tid, audit.ActionSessionInvalidated, "session", "", true, map[string]any{
		"revoked": n,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "logged out", "revoked": n})
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	tid := tenantFrom(r)
	t, sessions, err := s.registry.Info(r.Context(), tid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	usage, err := s.docs.Usage(r.Context(), tid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"usage":          usage,
		"settings":       t.Settings,
		"activeSessions": sessions,
		"firstSeen":      t.FirstSeen.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	tid := tenantFrom(r)
	t, err := s.registry.Get(r.Context(), tid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4096))
	if err != nil {
		s.writeError(w, &model.ValidationError{Reason: "unreadable body"})
		return
	}
	settings, err := model.ParseSettings(body, t.Settings)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registry.UpdateSettings(r.Context(), tid, settings); err != nil {
		s.writeError(w, err)
		return
	}
	s.trail.Record(tid, audit.ActionSettingsUpdated, "tenant", "", true, map[string]any{
		"language": settings.Language,
		"dpi":      settings.DPI,
		"mode":     settings.Mode,
	})
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	tid := tenantFrom(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+64<<10)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, &model.ValidationError{Reason: "expecting multipart form"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, &model.ValidationError{Reason: "missing file part"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, &model.ValidationError{Reason: "failed to read upload"})
		return
	}

	t, err := s.registry.Get(r.Context(), tid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	settings, err := model.ParseSettings([]byte(r.FormValue("settings")), t.Settings)
	if err != nil {
		s.writeError(w, err)
		return
	}
	priority := 0
	if raw := r.FormValue("priority"); raw != "" {
		priority, err = strconv.Atoi(raw)
		if err != nil || priority < 1 {
			s.writeError(w, &model.ValidationError{Reason: "priority must be a positive integer"})
			return
		}
	}

	result, err := s.docs.Upload(r.Context(), tid, header.Filename, data, settings, priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tid := tenantFrom(r)
	f := store.ListFilter{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
		Status: model.DocumentStatus(r.URL.Query().Get("status")),
	}
	docs, err := s.docs.List(r.Context(), tid, f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.docs.Get(r.Context(), tenantFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	url, err := s.docs.TextURL(r.Context(), tenantFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.docs.Delete(r.Context(), tenantFrom(r), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	doc, err := s.docs.Cancel(r.Context(), tenantFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sched.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// writeError maps the error taxonomy to status codes. Unknown errors become
// an opaque 500; internals never leak into response bodies.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation *model.ValidationError
		quota      *model.QuotaExceededError
		limited    *model.RateLimitedError
		processing *model.ProcessingError
	)
	switch {
	case errors.As(err, &validation):
		s.writeJSON(w, http.StatusBadRequest, errBody(validation.Reason))
	case errors.As(err, &quota):
		body := errBody("storage quota exceeded")
		body["usageBytes"] = quota.UsageBytes
		body["quotaBytes"] = quota.QuotaBytes
		body["requestBytes"] = quota.RequestBytes
		s.writeJSON(w, http.StatusRequestEntityTooLarge, body)
	case errors.As(err, &limited):
		body := errBody("rate limit exceeded")
		body["retryAt"] = limited.Reset.UTC().Format(time.RFC3339)
		s.writeJSON(w, http.StatusTooManyRequests, body)
	case errors.Is(err, model.ErrAuth):
		s.writeJSON(w, http.StatusUnauthorized, errBody("invalid or expired session"))
	case errors.Is(err, model.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errBody("not found"))
	case errors.As(err, &processing):
		s.writeJSON(w, http.StatusInternalServerError, errBody("processing failed"))
	default:
		s.log.Error("internal error", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errBody("internal error"))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func errBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func setRateHeaders(w http.ResponseWriter, dec ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.Reset.Unix(), 10))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// clientFingerprint is a coarse client descriptor stored with the session
// for audit purposes. It carries no identity on its own.
func clientFingerprint(r *http.Request) string {
	return fmt.Sprintf("%.120s", r.UserAgent())
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
	}
	return def
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
