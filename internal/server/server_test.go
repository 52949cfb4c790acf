package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskhold/internal/auth"
	"github.com/mbd888/taskhold/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "json",
		Version:              "test",
		JWTSecret:            "server-test-secret",
		GatewayTimeout:       time.Second,
		BreakerThreshold:     config.DefaultBreakerThreshold,
		BreakerCooldown:      config.DefaultBreakerCooldown,
		AutoSelectLead:       config.DefaultAutoSelectLead,
		FlexibleSuspendLead:  config.DefaultFlexibleSuspendLead,
		ReminderOffsets:      config.DefaultReminderOffsets,
		AutoConfirmGrace:     config.DefaultAutoConfirmGrace,
		SweepInterval:        config.DefaultSweepInterval,
		SweepConcurrency:     2,
		ReminderRPS:          100,
		MonthlyContractLimit: 2,
		NotifyMaxRetry:       1,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func token(t *testing.T, s *Server, userID, role string) string {
	t.Helper()
	tok, err := s.AuthManager().IssueToken(userID, role)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func call(s *Server, method, path, tok string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := call(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := call(s, "GET", "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	s.healthy.Store(false)
	if w := call(s, "GET", "/health/live", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when unhealthy, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	if w := call(s, "GET", "/health/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	if w := call(s, "GET", "/health/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 once ready, got %d", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := call(s, "GET", "/v1/info", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	sweeps, _ := resp["sweeps"].([]any)
	if len(sweeps) != 7 {
		t.Errorf("Expected 7 registered sweeps, got %v", resp["sweeps"])
	}
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("Expected request id to be echoed, got %q", got)
	}

	w = call(s, "GET", "/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request id")
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("credentials must not be allowed without an allow-list, got %q", got)
	}
}

func TestInvalidIDParam(t *testing.T) {
	s := newTestServer(t)

	w := call(s, "GET", "/v1/jobs/bad.id", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed id, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Auth boundaries
// ---------------------------------------------------------------------------

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/v1/contracts", "/v1/auth/me", "/v1/ws"} {
		if w := call(s, "GET", path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s: expected 401, got %d", path, w.Code)
		}
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	user := token(t, s, "usr_plain", auth.RoleUser)
	admin := token(t, s, "usr_admin", auth.RoleAdmin)

	if w := call(s, "GET", "/v1/admin/sweeps", user, nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-admin, got %d", w.Code)
	}
	if w := call(s, "GET", "/v1/admin/sweeps", admin, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for admin, got %d", w.Code)
	}
	if w := call(s, "GET", "/v1/admin/realtime/stats", admin, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for realtime stats, got %d", w.Code)
	}
	w := call(s, "GET", "/v1/admin/gateway", admin, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for gateway circuit, got %d", w.Code)
	} else if circuit, _ := decode(t, w)["circuit"].(map[string]any); circuit["state"] != "closed" {
		t.Errorf("Expected a closed circuit, got %v", circuit)
	}
	if w := call(s, "POST", "/v1/admin/sweeps/no_such_task/run", admin, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown sweep, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end flow
// ---------------------------------------------------------------------------

func TestJobToAcceptedContractFlow(t *testing.T) {
	s := newTestServer(t)
	client := token(t, s, "usr_client", auth.RoleUser)
	doer := token(t, s, "usr_doer", auth.RoleUser)
	admin := token(t, s, "usr_admin", auth.RoleAdmin)
	start := time.Now().Add(72 * time.Hour).UTC()

	w := call(s, "POST", "/v1/jobs", client, map[string]any{
		"title":         "Paint the fence",
		"budget":        "800.00",
		"commissionBps": 500,
		"startDate":     start,
		"deliveryCount": 1,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create job: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	jobID := decode(t, w)["job"].(map[string]any)["id"].(string)

	w = call(s, "POST", "/v1/jobs/"+jobID+"/proposals", doer, map[string]any{"price": "750"})
	if w.Code != http.StatusCreated {
		t.Fatalf("propose: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := call(s, "GET", "/v1/jobs/"+jobID+"/proposals", doer, nil); w.Code != http.StatusForbidden {
		t.Errorf("list proposals as doer: expected 403, got %d", w.Code)
	}

	w = call(s, "POST", "/v1/contracts", client, map[string]any{
		"jobId":      jobID,
		"doerId":     "usr_doer",
		"price":      "750",
		"commission": "37.50",
		"startDate":  start,
		"deliveries": []string{"Fence painted"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create contract: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	contract := decode(t, w)["contract"].(map[string]any)
	contractID := contract["id"].(string)
	if contract["totalPrice"] != "787.50" {
		t.Errorf("totalPrice = %v, want 787.50", contract["totalPrice"])
	}

	if w := call(s, "POST", "/v1/contracts/"+contractID+"/accept", client, nil); w.Code != http.StatusOK {
		t.Fatalf("client accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = call(s, "POST", "/v1/contracts/"+contractID+"/accept", doer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("doer accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if status := decode(t, w)["contract"].(map[string]any)["status"]; status != "accepted" {
		t.Errorf("status = %v, want accepted", status)
	}

	outsider := token(t, s, "usr_outsider", auth.RoleUser)
	if w := call(s, "GET", "/v1/contracts/"+contractID, outsider, nil); w.Code == http.StatusOK {
		t.Error("a non-party must not read the contract")
	}

	w = call(s, "GET", "/v1/admin/escrow/"+contractID+"/entries", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("escrow entries: expected 200, got %d", w.Code)
	}
	if entries, _ := decode(t, w)["entries"].([]any); len(entries) != 1 {
		t.Errorf("Expected one capture entry, got %d", len(entries))
	}
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/taskhold")
	if strings.Contains(masked, "secret") {
		t.Errorf("password leaked: %s", masked)
	}
	if !strings.Contains(masked, "app:") || !strings.Contains(masked, "db:5432/taskhold") {
		t.Errorf("unexpected masked dsn: %s", masked)
	}
	if got := maskDSN("://bad"); got != "***" {
		t.Errorf("maskDSN(bad) = %q, want ***", got)
	}
}
