package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncScanIncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(ScanTotal.WithLabelValues(ResultOK))
	IncScan(ResultOK)
	after := testutil.ToFloat64(ScanTotal.WithLabelValues(ResultOK))
	if after != before+1 {
		t.Fatalf("ScanTotal{ok} = %v, want %v", after, before+1)
	}
}

func TestSetActiveTokensSetsGauge(t *testing.T) {
	SetActiveTokens(3)
	if got := testutil.ToFloat64(ActiveTokens); got != 3 {
		t.Fatalf("ActiveTokens = %v, want 3", got)
	}
}

func TestIncMeasurementIncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(MeasurementsTotal.WithLabelValues("temperature", "log"))
	IncMeasurement("temperature", "log")
	after := testutil.ToFloat64(MeasurementsTotal.WithLabelValues("temperature", "log"))
	if after != before+1 {
		t.Fatalf("MeasurementsTotal = %v, want %v", after, before+1)
	}
}
