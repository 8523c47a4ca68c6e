package stats

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminServerServesMetricsAndPing(t *testing.T) {
	srv := NewAdminServer(":0")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "pong\n" {
		t.Fatalf("expected 200 pong, got %d %q", rr.Code, rr.Body.String())
	}

	CountError(ErrTimeout)
	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.Handler.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr2.Code)
	}
	if !containsErrorsTotal(rr2.Body.String()) {
		t.Fatal("expected /metrics output to mention jausmesh_errors_total")
	}
}

func containsErrorsTotal(body string) bool {
	for i := 0; i+len("jausmesh_errors_total") <= len(body); i++ {
		if body[i:i+len("jausmesh_errors_total")] == "jausmesh_errors_total" {
			return true
		}
	}
	return false
}
