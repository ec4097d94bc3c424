package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/audit"
	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/document"
	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/ratelimit"
	"github.com/scanvault/scanvault/internal/scheduler"
	"github.com/scanvault/scanvault/internal/session"
	"github.com/scanvault/scanvault/internal/storage"
	"github.com/scanvault/scanvault/internal/tenant"
)

type testEnv struct {
	handler http.Handler
	store   *storage.MemoryStore
	blobs   *stubBlobs
}

type stubBlobs struct{}

func (stubBlobs) UploadRaw(_ context.Context, _ string, r io.Reader, _ int64, _ string) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
func (stubBlobs) DeleteRaw(context.Context, string) error  { return nil }
func (stubBlobs) DeleteText(context.Context, string) error { return nil }
func (stubBlobs) PresignTextURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

// stubLimiter returns a canned decision on every check.
type stubLimiter struct {
	dec ratelimit.Decision
}

func (l *stubLimiter) Check(context.Context, model.TenantID) (ratelimit.Decision, error) {
	return l.dec, nil
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnvWithLimiter(t, nil)
}

func newEnvWithLimiter(t *testing.T, limiter RateLimiter) *testEnv {
	t.Helper()
	st := storage.NewMemoryStore()
	log := zap.NewNop()
	cfg := &config.Config{
		Address:           ":0",
		MaxFileSize:       1 << 20,
		AllowedTypes:      []string{"application/pdf", "image/png", "image/jpeg"},
		DefaultQuotaBytes: 1 << 20,
		SessionTTL:        time.Hour,
		SignedURLTTL:      time.Minute,
	}
	trail := audit.NewTrail(st, log)
	sched := scheduler.New(st, nil, trail, log, scheduler.Options{})
	registry := tenant.NewRegistry(tenant.NewHasher([]byte("test-salt")), st, cfg.DefaultQuotaBytes)
	sessions := session.NewManager(st, nil, []byte("test-secret"), cfg.SessionTTL, log)
	blobs := &stubBlobs{}
	docs := document.NewService(st, blobs, sched, trail, log, cfg.MaxFileSize, cfg.AllowedTypes, cfg.SignedURLTTL)
	srv := New(cfg, log, registry, sessions, docs, sched, trail, limiter)
	return &testEnv{handler: srv.Routes(), store: st, blobs: blobs}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) initSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodPost, "/api/session/init", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("session init: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Token == "" {
		t.Fatalf("token missing: %v %s", err, rec.Body.String())
	}
	return body.Token
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func uploadRequest(t *testing.T, token, fileName string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return authed(req, token)
}

func pngBytes(payload string) []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), []byte(payload)...)
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newEnv(t)
	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/user/info"},
		{http.MethodGet, "/api/documents"},
		{http.MethodGet, "/api/processing/queue-status"},
	}
	for _, p := range paths {
		rec := env.do(t, httptest.NewRequest(p.method, p.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: %d", p.method, p.path, rec.Code)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/api/user/info", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	if rec := env.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", rec.Code)
	}
}

func TestSessionBoundToAddress(t *testing.T) {
	env := newEnv(t)
	token := env.initSession(t)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/user/info", nil), token)
	if rec := env.do(t, req); rec.Code != http.StatusOK {
		t.Fatalf("same address rejected: %d", rec.Code)
	}

	// The same token replayed from another address must fail like a bad token.
	req = authed(httptest.NewRequest(http.MethodGet, "/api/user/info", nil), token)
	req.RemoteAddr = "198.51.100.9:4000"
	if rec := env.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay from other address: %d", rec.Code)
	}
}

func TestUploadAndLifecycle(t *testing.T) {
	env := newEnv(t)
	token := env.initSession(t)

	rec := env.do(t, uploadRequest(t, token, "scan.png", pngBytes("payload")))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var up struct {
		Document  model.Document `json:"document"`
		Duplicate bool           `json:"duplicate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if up.Document.ID == "" || up.Document.Status != model.StatusPending {
		t.Fatalf("upload body: %+v", up)
	}

	// A byte-identical re-upload dedupes with 200.
	rec = env.do(t, uploadRequest(t, token, "again.png", pngBytes("payload")))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate upload: %d", rec.Code)
	}

	rec = env.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/documents", nil), token))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), up.Document.ID) {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}

	statusPath := fmt.Sprintf("/api/documents/%s/status", up.Document.ID)
	rec = env.do(t, authed(httptest.NewRequest(http.MethodGet, statusPath, nil), token))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}

	cancelPath := fmt.Sprintf("/api/documents/%s/cancel", up.Document.ID)
	rec = env.do(t, authed(httptest.NewRequest(http.MethodPost, cancelPath, nil), token))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}

	deletePath := "/api/documents/" + up.Document.ID
	rec = env.do(t, authed(httptest.NewRequest(http.MethodDelete, deletePath, nil), token))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = env.do(t, authed(httptest.NewRequest(http.MethodGet, statusPath, nil), token))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete: %d", rec.Code)
	}
}

func TestUploadRejectsWrongType(t *testing.T) {
	env := newEnv(t)
	token := env.initSession(t)
	rec := env.do(t, uploadRequest(t, token, "notes.txt", []byte("plain text body")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong type: %d %s", rec.Code, rec.Body.String())
	}
}

func TestUserInfoAndSettings(t *testing.T) {
	env := newEnv(t)
	token := env.initSession(t)

	rec := env.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/user/info", nil), token))
	if rec.Code != http.StatusOK {
		t.Fatalf("info: %d", rec.Code)
	}
	var info struct {
		Usage          model.UsageSnapshot       `json:"usage"`
		Settings       model.RecognitionSettings `json:"settings"`
		ActiveSessions int                       `json:"activeSessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Usage.QuotaBytes != 1<<20 || info.ActiveSessions != 1 {
		t.Fatalf("info body: %+v", info)
	}

	req := authed(httptest.NewRequest(http.MethodPut, "/api/user/settings",
		strings.NewReader(`{"dpi": 200, "mode": "sparse"}`)), token)
	rec = env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("settings update: %d %s", rec.Code, rec.Body.String())
	}

	req = authed(httptest.NewRequest(http.MethodPut, "/api/user/settings",
		strings.NewReader(`{"dpi": 9000}`)), token)
	if rec = env.do(t, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid settings: %d", rec.Code)
	}
	req = authed(httptest.NewRequest(http.MethodPut, "/api/user/settings",
		strings.NewReader(`{"psm": 3}`)), token)
	if rec = env.do(t, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown key: %d", rec.Code)
	}
}

func TestQueueStatus(t *testing.T) {
	env := newEnv(t)
	token := env.initSession(t)
	if rec := env.do(t, uploadRequest(t, token, "scan.png", pngBytes("payload"))); rec.Code != http.StatusAccepted {
		t.Fatalf("upload: %d", rec.Code)
	}
	rec := env.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/processing/queue-status", nil), token))
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status: %d", rec.Code)
	}
	var stats model.QueueStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.QueueLength != 1 || stats.EstimatedWaitSeconds != 30 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestQuotaRejectionPayload(t *testing.T) {
	env := newEnv(t)
	token := env.initSession(t)
	big := pngBytes(string(make([]byte, 900_000)))
	if rec := env.do(t, uploadRequest(t, token, "big.png", big)); rec.Code != http.StatusAccepted {
		t.Fatalf("first upload: %d", rec.Code)
	}
	next := pngBytes(string(make([]byte, 200_000)))
	rec := env.do(t, uploadRequest(t, token, "next.png", next))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("quota rejection: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "quotaBytes") {
		t.Fatalf("quota numbers missing: %s", rec.Body.String())
	}
}

func TestSessionInitRateLimited(t *testing.T) {
	reset := time.Now().Add(time.Minute).UTC()
	env := newEnvWithLimiter(t, &stubLimiter{dec: ratelimit.Decision{
		Allowed: false, Limit: 60, Remaining: 0, Reset: reset,
	}})
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/session/init", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("session init past closed window: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "60" {
		t.Fatalf("limit header: %q", got)
	}
	if !strings.Contains(rec.Body.String(), "retryAt") {
		t.Fatalf("reset metadata missing: %s", rec.Body.String())
	}
}

func TestSessionInitAllowedWithinWindow(t *testing.T) {
	env := newEnvWithLimiter(t, &stubLimiter{dec: ratelimit.Decision{
		Allowed: true, Limit: 60, Remaining: 59, Reset: time.Now().Add(time.Minute).UTC(),
	}})
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/session/init", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("session init: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "59" {
		t.Fatalf("remaining header: %q", got)
	}
}

func TestLogout(t *testing.T) {
	env := newEnv(t)
	token := env.initSession(t)
	rec := env.do(t, authed(httptest.NewRequest(http.MethodPost, "/api/session/logout", nil), token))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	rec = env.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/user/info", nil), token))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("token valid after logout: %d", rec.Code)
	}
}

func TestLogoutAll(t *testing.T) {
	env := newEnv(t)
	first := env.initSession(t)
	second := env.initSession(t)

	rec := env.do(t, authed(httptest.NewRequest(http.MethodPost, "/api/session/logout-all", nil), first))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout-all: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Revoked int `json:"revoked"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Revoked != 2 {
		t.Fatalf("revoked count: %v %s", err, rec.Body.String())
	}
	for _, token := range []string{first, second} {
		rec := env.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/user/info", nil), token))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token valid after logout-all: %d", rec.Code)
		}
	}
}
