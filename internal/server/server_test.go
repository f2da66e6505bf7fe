package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"companionhub/internal/app"
	"companionhub/internal/identity"
	"companionhub/internal/store"
	"companionhub/pkg/domain"
)

type testEnv struct {
	server *Server
	store  *store.MemoryStore
	key    *rsa.PrivateKey
}

func newTestEnv(t *testing.T, cfgOverride func(*Config)) *testEnv {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "kid-1",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := identity.NewVerifier(identity.Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	memStore := store.NewMemoryStore()
	application, err := app.New(app.Config{Store: memStore})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	redis := miniredis.RunT(t)
	cfg := Config{
		App:       application,
		Verifier:  verifier,
		RedisAddr: redis.Addr(),
	}
	if cfgOverride != nil {
		cfgOverride(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{server: srv, store: memStore, key: key}
}

func (e *testEnv) token(t *testing.T, subject string, plan string, features []string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": "issuer-a",
		"aud": "aud-a",
		"exp": time.Now().Add(time.Minute).Unix(),
		"iat": time.Now().Unix(),
	}
	if plan != "" {
		claims["plan"] = plan
	}
	if len(features) > 0 {
		claims["features"] = features
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(e.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func seedCompanion(t *testing.T, s *store.MemoryStore, id, name, subject, author string) {
	t.Helper()
	err := s.SaveCompanion(domain.Companion{
		ID:              id,
		Name:            name,
		Subject:         subject,
		Topic:           "basics",
		Voice:           domain.VoiceFemale,
		Style:           domain.StyleCasual,
		DurationMinutes: 15,
		Author:          author,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed companion: %v", err)
	}
}

type listResponse struct {
	Items []domain.Companion `json:"items"`
	Count int                `json:"count"`
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) listResponse {
	t.Helper()
	var resp listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list: %v (body %s)", err, rec.Body.String())
	}
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
}

func TestListCompanionsAnonymousAndAnnotated(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompanion(t, env.store, "c-1", "Ada", "math", "author-1")
	seedCompanion(t, env.store, "c-2", "Turing", "coding", "author-1")
	if _, err := env.store.AddBookmark("user-a", "c-2"); err != nil {
		t.Fatalf("seed bookmark: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/companions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous list status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeList(t, rec)
	if resp.Count != 2 {
		t.Fatalf("expected 2 companions, got %d", resp.Count)
	}
	for _, c := range resp.Items {
		if c.Bookmarked {
			t.Fatalf("anonymous list must not be annotated, %s was", c.ID)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/companions", env.token(t, "user-a", "", nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authed list status %d: %s", rec.Code, rec.Body.String())
	}
	resp = decodeList(t, rec)
	got := map[string]bool{}
	for _, c := range resp.Items {
		got[c.ID] = c.Bookmarked
	}
	if !got["c-2"] || got["c-1"] {
		t.Fatalf("unexpected annotation %v", got)
	}
}

func TestListCompanionsRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/companions", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestListCompanionsRejectsBadPagination(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{
		"/api/companions?page=-1",
		"/api/companions?limit=0",
		"/api/companions?limit=abc",
	} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestGetCompanionNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/companions/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateCompanionRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/companions", "", map[string]any{"name": "Ada"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateCompanionQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "user-a", "", []string{domain.FeatureThreeCompanions})
	body := map[string]any{
		"name":     "Ada",
		"subject":  "math",
		"topic":    "algebra",
		"voice":    "female",
		"style":    "casual",
		"duration": 15,
	}
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/companions", token, body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %d: status %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	rec := env.do(t, http.MethodPost, "/api/companions", token, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 at quota, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Code != "COMPANION_QUOTA_EXCEEDED" {
		t.Fatalf("unexpected error code %q", resp.Code)
	}
}

func TestCreateCompanionNoEntitlementsDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/companions", env.token(t, "user-a", "", nil), map[string]any{
		"name":     "Ada",
		"subject":  "math",
		"topic":    "algebra",
		"voice":    "female",
		"style":    "casual",
		"duration": 15,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without entitlements, got %d", rec.Code)
	}
}

func TestToggleBookmarkRoundtrip(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompanion(t, env.store, "c-1", "Ada", "math", "author-1")
	token := env.token(t, "user-a", "", nil)

	rec := env.do(t, http.MethodPost, "/api/companions/c-1/bookmark", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first toggle status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		IsBookmarked bool `json:"isBookmarked"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode toggle: %v", err)
	}
	if !resp.IsBookmarked {
		t.Fatalf("first toggle should bookmark")
	}

	rec = env.do(t, http.MethodPost, "/api/companions/c-1/bookmark", token, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode second toggle: %v", err)
	}
	if resp.IsBookmarked {
		t.Fatalf("second toggle should remove the bookmark")
	}

	rec = env.do(t, http.MethodPost, "/api/companions/c-1/bookmark", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("toggle without token: expected 401, got %d", rec.Code)
	}
}

func TestBookmarksList(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompanion(t, env.store, "c-1", "Ada", "math", "author-1")
	if _, err := env.store.AddBookmark("user-a", "c-1"); err != nil {
		t.Fatalf("seed bookmark: %v", err)
	}
	rec := env.do(t, http.MethodGet, "/api/bookmarks", env.token(t, "user-a", "", nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("bookmarks status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeList(t, rec)
	if resp.Count != 1 || !resp.Items[0].Bookmarked {
		t.Fatalf("unexpected bookmarks response %+v", resp)
	}
}

func TestNewCompanionPermission(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/users/me/permissions/new-companion", env.token(t, "user-a", domain.PlanPro, nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("permission status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode permission: %v", err)
	}
	if !resp.Allowed {
		t.Fatalf("pro plan should be allowed")
	}

	rec = env.do(t, http.MethodGet, "/api/users/me/permissions/new-companion", env.token(t, "user-b", "", nil), nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode permission: %v", err)
	}
	if resp.Allowed {
		t.Fatalf("unknown plan should be denied")
	}
}

func TestSessionRecordingAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	seedCompanion(t, env.store, "c-1", "Ada", "math", "author-1")
	token := env.token(t, "user-a", "", nil)

	rec := env.do(t, http.MethodPost, "/api/sessions", token, map[string]any{
		"companionId": "c-1",
		"metadata":    map[string]any{"durationSeconds": 300},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record session status %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/sessions/recent", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recent sessions status %d", rec.Code)
	}
	if resp := decodeList(t, rec); resp.Count != 1 || resp.Items[0].ID != "c-1" {
		t.Fatalf("unexpected recent sessions %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/api/users/me/sessions", token, nil)
	if resp := decodeList(t, rec); resp.Count != 1 || resp.Items[0].ID != "c-1" {
		t.Fatalf("unexpected user sessions %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/api/users/me/sessions?limit=bogus", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestCreateRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.CreateRateLimitPerMinute = 1
	})
	token := env.token(t, "user-a", domain.PlanPro, nil)
	body := map[string]any{
		"name":     "Ada",
		"subject":  "math",
		"topic":    "algebra",
		"voice":    "female",
		"style":    "casual",
		"duration": 15,
	}
	rec := env.do(t, http.MethodPost, "/api/companions", token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/companions", token, body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}
