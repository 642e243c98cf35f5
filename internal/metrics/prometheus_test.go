package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncSubmissionsCreated()
	m.IncTransition("COMPLETE")
	m.IncTransition("COMPLETE")
	m.ObserveDispatch("failure", 20*time.Millisecond)
	m.IncScriptDeployment("success")

	if got := testutil.ToFloat64(m.SubmissionsCreated); got != 1 {
		t.Fatalf("submissions created = %v", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("COMPLETE")); got != 2 {
		t.Fatalf("COMPLETE transitions = %v", got)
	}
	if got := testutil.ToFloat64(m.DispatchAttempts.WithLabelValues("failure")); got != 1 {
		t.Fatalf("dispatch failures = %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncSubmissionsCreated()
	m.IncSubmissionsRejected("closed")
	m.IncTransition("ERROR")
	m.ObserveDispatch("success", time.Second)
	m.IncScriptDeployment("failure")
	m.IncEventPublished("ERROR")
}
