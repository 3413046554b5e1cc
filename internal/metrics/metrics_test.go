package metrics_test

import (
	"testing"

	"github.com/asadarafat/tcpao-proxy/internal/metrics"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New()

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	if got := m.Opened(); got != 2 {
		t.Errorf("Opened() = %d, want 2", got)
	}
	if got := m.Closed(); got != 1 {
		t.Errorf("Closed() = %d, want 1", got)
	}
	if got := m.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
}
