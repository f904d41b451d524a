package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// counterValue reads the current value of a CounterVec for the given label.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.HandshakesTotal.WithLabelValues(ResultAccepted).Inc()
	a.AnnouncesTotal.WithLabelValues("sent", "announce").Add(3)

	if got := counterValue(t, a.HandshakesTotal, ResultAccepted); got != 1 {
		t.Errorf("expected 1 accepted handshake on a, got %f", got)
	}
	if got := counterValue(t, b.HandshakesTotal, ResultAccepted); got != 0 {
		t.Errorf("expected b untouched, got %f", got)
	}
	if got := counterValue(t, a.AnnouncesTotal, "sent", "announce"); got != 3 {
		t.Errorf("expected 3 sent announces, got %f", got)
	}
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.SessionsActive.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "lanchat_sessions_active 1") {
		t.Errorf("expected lanchat_sessions_active 1 in scrape output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("expected runtime collectors in scrape output")
	}
}
