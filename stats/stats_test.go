package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountErrorIncrementsPerKind(t *testing.T) {
	before := testutil.ToFloat64(errorsTotal.WithLabelValues(string(ErrTimeout)))
	CountError(ErrTimeout)
	after := testutil.ToFloat64(errorsTotal.WithLabelValues(string(ErrTimeout)))
	if after != before+1 {
		t.Fatalf("expected errors_total{kind=timeout} to increment by 1, got %v -> %v", before, after)
	}
}

func TestCountSCTransitionLabelsByKindAndOp(t *testing.T) {
	before := testutil.ToFloat64(scTransitionsTotal.WithLabelValues("inform", "create"))
	CountSCTransition("inform", "create")
	after := testutil.ToFloat64(scTransitionsTotal.WithLabelValues("inform", "create"))
	if after != before+1 {
		t.Fatalf("expected a transition count increment, got %v -> %v", before, after)
	}
}

func TestSetActiveSCSetsGaugeValue(t *testing.T) {
	SetActiveSC("command", 3)
	if got := testutil.ToFloat64(activeSCGauge.WithLabelValues("command")); got != 3 {
		t.Fatalf("expected gauge value 3, got %v", got)
	}
	SetActiveSC("command", 1)
	if got := testutil.ToFloat64(activeSCGauge.WithLabelValues("command")); got != 1 {
		t.Fatalf("expected gauge value 1 after update, got %v", got)
	}
}

func TestCountEventGeneratedAndDropped(t *testing.T) {
	before := testutil.ToFloat64(eventsGeneratedTotal.WithLabelValues("periodic"))
	CountEventGenerated("periodic")
	if got := testutil.ToFloat64(eventsGeneratedTotal.WithLabelValues("periodic")); got != before+1 {
		t.Fatalf("expected generated counter to increment, got %v -> %v", before, got)
	}

	beforeDrop := testutil.ToFloat64(eventsDroppedTotal.WithLabelValues())
	CountEventDropped()
	if got := testutil.ToFloat64(eventsDroppedTotal.WithLabelValues()); got != beforeDrop+1 {
		t.Fatalf("expected dropped counter to increment, got %v -> %v", beforeDrop, got)
	}
}
