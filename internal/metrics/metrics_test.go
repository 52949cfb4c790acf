package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{409, "4xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())

	ContractTransitionsTotal.WithLabelValues("pending", "accepted").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	JobEventsTotal.WithLabelValues("expired").Inc()
	for _, name := range []string{
		"taskhold_active_websocket_clients",
		"taskhold_contract_transitions_total",
		"taskhold_job_events_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %s", name)
		}
	}
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/contracts/:id", func(c *gin.Context) { c.Status(http.StatusConflict) })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/contracts/ct_1", nil))

	m := &dto.Metric{}
	counter, err := HTTPRequestsTotal.GetMetricWithLabelValues("GET", "/v1/contracts/:id", "4xx")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 1 {
		t.Errorf("expected 1 request counted, got %f", m.Counter.GetValue())
	}
}

func TestRegisterDB_Idempotent(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://localhost/none?sslmode=disable")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := RegisterDB(db); err != nil {
		t.Fatalf("first RegisterDB: %v", err)
	}
	if err := RegisterDB(db); err != nil {
		t.Errorf("second RegisterDB should be a no-op, got %v", err)
	}
}
