package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestRateLimiterPerEmployee(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, EmployeePerMinute: 1, EmployeeBurst: 2})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(employeeID string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/employees/x/actions/pause", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		req.Header.Set("X-Employee-ID", employeeID)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("emp-1"); code != http.StatusNoContent {
			t.Fatalf("call %d: expected 204, got %d", i, code)
		}
	}
	if code := call("emp-1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call("emp-2"); code != http.StatusNoContent {
		t.Fatalf("other employee throttled: %d", code)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	if ip := clientIP(req); ip != "10.0.0.1" {
		t.Fatalf("expected remote host, got %s", ip)
	}
	req.Header.Set("X-Forwarded-For", "192.0.2.7, 10.0.0.1")
	if ip := clientIP(req); ip != "192.0.2.7" {
		t.Fatalf("expected forwarded client, got %s", ip)
	}
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	handler := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/tickets", nil)
	req.Header.Set("X-Employee-ID", "emp-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Level != logrus.WarnLevel || entry.Data["status"] != http.StatusServiceUnavailable || entry.Data["employee_id"] != "emp-1" {
		t.Fatalf("unexpected entry: %v %v", entry.Level, entry.Data)
	}
}
