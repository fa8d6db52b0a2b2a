package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/callguard/breaker"
	"github.com/dskow/callguard/internal/auth"
	"github.com/dskow/callguard/internal/config"
	"github.com/dskow/callguard/ratelimit"
)

const testSecret = "super-secret-key"

// mockConfigProvider implements ConfigProvider for testing.
type mockConfigProvider struct {
	cfg *config.Config
}

func (m *mockConfigProvider) Current() *config.Config { return m.cfg }

func testHandler(t *testing.T, allowlist []string) (*Handler, *breaker.Registry) {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	adminCfg := config.AdminConfig{
		Enabled:     true,
		IPAllowlist: allowlist,
		JWTSecret:   testSecret,
		Issuer:      "test",
		Audience:    "test",
	}

	cfg := &config.Config{
		Admin: adminCfg,
		Endpoints: []config.EndpointConfig{
			{Name: "gmail"},
		},
	}

	registry := breaker.NewRegistry(logger)
	registry.Get("gmail", breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	limiter := ratelimit.New(ratelimit.Config{CallsPerSecond: 10, Burst: 5, Adaptive: true}, logger)

	reloader := &mockConfigProvider{cfg: cfg}

	h := New(reloader, registry, limiter, adminCfg, logger)
	return h, registry
}

func adminToken(t *testing.T, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "operator",
		"iss":   "test",
		"aud":   "test",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBreakersEndpoint(t *testing.T) {
	h, _ := testHandler(t, []string{"127.0.0.0/8"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]map[string]breaker.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	breakers := resp["breakers"]
	if len(breakers) != 1 {
		t.Fatalf("expected 1 breaker, got %d", len(breakers))
	}
	if breakers["gmail"].State != "closed" {
		t.Errorf("state = %q, want closed", breakers["gmail"].State)
	}
}

func TestBreakerEndpoint_SingleBreaker(t *testing.T) {
	h, registry := testHandler(t, []string{"127.0.0.0/8"})

	// Trip the breaker so the response carries open-state fields.
	b, _ := registry.Lookup("gmail")
	fail := errors.New("unreachable")
	for i := 0; i < 2; i++ {
		b.Do(context.Background(), func(context.Context) error { return fail })
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/admin/breakers/gmail", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var st breaker.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Name != "gmail" || st.State != "open" || st.Failures != 2 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.NextAttempt.IsZero() {
		t.Error("expected next_attempt for open breaker")
	}
}

func TestBreakerEndpoint_NotFound(t *testing.T) {
	h, _ := testHandler(t, []string{"127.0.0.0/8"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/admin/breakers/unknown", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestResetEndpoint(t *testing.T) {
	h, registry := testHandler(t, []string{"127.0.0.0/8"})

	b, _ := registry.Lookup("gmail")
	fail := errors.New("unreachable")
	for i := 0; i < 2; i++ {
		b.Do(context.Background(), func(context.Context) error { return fail })
	}
	if b.State() != breaker.StateOpen {
		t.Fatal("expected breaker open before reset")
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("POST", "/admin/breakers/gmail/reset", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("Authorization", "Bearer "+adminToken(t, auth.ScopeAdmin))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if b.State() != breaker.StateClosed {
		t.Errorf("expected breaker closed after reset, got %v", b.State())
	}
}

func TestResetEndpoint_RequiresToken(t *testing.T) {
	h, _ := testHandler(t, []string{"127.0.0.0/8"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("POST", "/admin/breakers/gmail/reset", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestResetEndpoint_RequiresAdminScope(t *testing.T) {
	h, _ := testHandler(t, []string{"127.0.0.0/8"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("POST", "/admin/breakers/gmail/reset", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "guard:read"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestResetEndpoint_NotFound(t *testing.T) {
	h, _ := testHandler(t, []string{"127.0.0.0/8"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("POST", "/admin/breakers/unknown/reset", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("Authorization", "Bearer "+adminToken(t, auth.ScopeAdmin))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestLimiterEndpoint(t *testing.T) {
	h, _ := testHandler(t, []string{"127.0.0.0/8"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/admin/limiter", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var st ratelimit.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.BaseRate != 10 || st.Burst != 5 || !st.Adaptive {
		t.Errorf("unexpected limiter status %+v", st)
	}
}

func TestConfigEndpoint_RedactsSecret(t *testing.T) {
	h, _ := testHandler(t, []string{"127.0.0.0/8"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/admin/config", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"***"`) {
		t.Error("expected jwt_secret to be redacted")
	}
	if strings.Contains(body, testSecret) {
		t.Error("jwt_secret was not redacted!")
	}
}

func TestIPAllowlist_Denied(t *testing.T) {
	h, _ := testHandler(t, []string{"10.0.0.0/8"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestIPAllowlist_Allowed(t *testing.T) {
	h, _ := testHandler(t, []string{"192.168.0.0/16"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.RemoteAddr = "192.168.1.100:5678"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
