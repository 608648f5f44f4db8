package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.ActiveGateways.Inc()
	m.ActiveClients.Add(2)
	m.RoutedMessages.WithLabelValues("offer").Inc()
	m.RoutedMessages.WithLabelValues("ice").Add(3)
	m.LivenessEvictions.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE signal_relay_active_gateways gauge",
		"signal_relay_active_gateways 1",
		"signal_relay_active_clients 2",
		`signal_relay_routed_messages_total{type="offer"} 1`,
		`signal_relay_routed_messages_total{type="ice"} 3`,
		"signal_relay_liveness_evictions_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

// Two instances must not collide: each carries its own registry.
func TestNew_IsolatedRegistries(t *testing.T) {
	a := New()
	b := New()
	a.ActiveGateways.Inc()

	rr := httptest.NewRecorder()
	b.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rr.Body.String(), "signal_relay_active_gateways 1") {
		t.Fatal("counter leaked across instances")
	}
}
