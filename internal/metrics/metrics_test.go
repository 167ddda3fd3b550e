package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlas-desktop/signal-backend/internal/metrics"
)

func gatheredValue(t *testing.T, reg *prometheus.Registry, name string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total, true
	}
	return 0, false
}

func TestCollectorsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.AlertsLost.WithLabelValues("BTCUSDT", "rsi_oversold").Inc()
	m.AlertsLost.WithLabelValues("BTCUSDT", "rsi_oversold").Inc()
	m.WebsocketClients.Set(3)

	got, ok := gatheredValue(t, reg, "signals_alerts_lost_total")
	if !ok {
		t.Fatal("signals_alerts_lost_total was not registered")
	}
	if got != 2 {
		t.Errorf("alerts_lost_total incorrect: expected 2, got %f", got)
	}

	if got, _ := gatheredValue(t, reg, "signals_websocket_clients"); got != 3 {
		t.Errorf("websocket_clients incorrect: expected 3, got %f", got)
	}
}

func TestNopIsUsableTwice(t *testing.T) {
	a := metrics.NewNop()
	b := metrics.NewNop()
	a.TicksTotal.Inc()
	b.TicksTotal.Inc()

	// Registering the same collectors elsewhere must still work
	reg := prometheus.NewRegistry()
	if err := reg.Register(a.TicksTotal); err != nil {
		t.Fatalf("Failed to register nop collector: %v", err)
	}
	if got, _ := gatheredValue(t, reg, "signals_monitor_ticks_total"); got != 1 {
		t.Errorf("Ticks incorrect: expected 1, got %f", got)
	}
}
