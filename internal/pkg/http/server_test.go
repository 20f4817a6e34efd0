package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sqs-relay/internal/pkg/observability/metrics"
)

func TestNewMux_ServesHealthAndMetrics(t *testing.T) {
	metrics.QueueDepth.Set(3)
	srv := httptest.NewServer(NewMux(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /healthz, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
}
