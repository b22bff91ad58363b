package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandlerExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(SignalsRelayed)
	m.Inc(PresenceBroadcasts)
	m.Inc(PresenceBroadcasts)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE hallway_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `hallway_events_total{event="presence_broadcasts"} 2`) {
		t.Fatalf("missing presence counter: %s", body)
	}
	if !strings.Contains(body, `hallway_events_total{event="signals_relayed"} 1`) {
		t.Fatalf("missing relay counter: %s", body)
	}
}

func TestPrometheusHandlerNilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
