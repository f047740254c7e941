package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewServer_ServesHealthAndMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)
	s := NewServer("127.0.0.1:0", m,
		Checker{Name: "modem", Check: func(_ context.Context) error { return nil }},
	)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			s.srv.Handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestNewServer_MetricsBodyIsPrometheusText(t *testing.T) {
	m, _ := newTestMetrics(t)
	s := NewServer("127.0.0.1:0", m)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want Prometheus text exposition", ct)
	}
}
