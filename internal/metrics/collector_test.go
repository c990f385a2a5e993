package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/veilnet/overlayd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.Connections == nil {
		t.Error("Connections is nil")
	}
	if c.FramesSent == nil {
		t.Error("FramesSent is nil")
	}
	if c.FramesReceived == nil {
		t.Error("FramesReceived is nil")
	}
	if c.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if c.StateTransitions == nil {
		t.Error("StateTransitions is nil")
	}
	if c.HelloVerified == nil {
		t.Error("HelloVerified is nil")
	}
	if c.HelloRejected == nil {
		t.Error("HelloRejected is nil")
	}
	if c.Violations == nil {
		t.Error("Violations is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestRegisterUnregisterConnection(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RegisterConnection("udp")
	if got := gaugeValue(t, c.Connections, "udp"); got != 1 {
		t.Errorf("after RegisterConnection: connections gauge = %v, want 1", got)
	}

	c.RegisterConnection("udp")
	if got := gaugeValue(t, c.Connections, "udp"); got != 2 {
		t.Errorf("after second RegisterConnection: connections gauge = %v, want 2", got)
	}

	c.UnregisterConnection("udp")
	if got := gaugeValue(t, c.Connections, "udp"); got != 1 {
		t.Errorf("after UnregisterConnection: connections gauge = %v, want 1", got)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	const peer = "abcd1234"
	const transport = "udp"

	c.IncFramesSent(peer, transport)
	c.IncFramesSent(peer, transport)
	c.IncFramesReceived(peer, transport)
	c.IncFramesDropped(peer, transport)

	if got := counterValue(t, c.FramesSent, peer, transport); got != 2 {
		t.Errorf("FramesSent = %v, want 2", got)
	}
	if got := counterValue(t, c.FramesReceived, peer, transport); got != 1 {
		t.Errorf("FramesReceived = %v, want 1", got)
	}
	if got := counterValue(t, c.FramesDropped, peer, transport); got != 1 {
		t.Errorf("FramesDropped = %v, want 1", got)
	}
}

func TestRecordStateTransition(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordStateTransition("abcd1234", "KEY_RECEIVED", "UP")

	if got := counterValue(t, c.StateTransitions, "abcd1234", "KEY_RECEIVED", "UP"); got != 1 {
		t.Errorf("StateTransitions = %v, want 1", got)
	}
}

func TestHelloCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncHelloVerified("udp")
	c.IncHelloVerified("udp")
	c.IncHelloRejected("udp")

	if got := counterValue(t, c.HelloVerified, "udp"); got != 2 {
		t.Errorf("HelloVerified = %v, want 2", got)
	}
	if got := counterValue(t, c.HelloRejected, "udp"); got != 1 {
		t.Errorf("HelloRejected = %v, want 1", got)
	}
}

func TestViolations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncViolations("abcd1234")
	c.IncViolations("abcd1234")

	if got := counterValue(t, c.Violations, "abcd1234"); got != 2 {
		t.Errorf("Violations = %v, want 2", got)
	}
}

func TestRecordTraffic(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordTraffic("hello", "sent", 64)
	c.RecordTraffic("hello", "sent", 32)

	if got := counterValue(t, c.TrafficMessages, "hello", "sent"); got != 2 {
		t.Errorf("TrafficMessages = %v, want 2", got)
	}
	if got := counterValue(t, c.TrafficBytes, "hello", "sent"); got != 96 {
		t.Errorf("TrafficBytes = %v, want 96", got)
	}
}

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
