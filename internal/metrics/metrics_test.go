package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordUpdateReceived(t *testing.T) {
	before := testutil.ToFloat64(UpdatesReceived.WithLabelValues("x509"))
	RecordUpdateReceived("x509")
	after := testutil.ToFloat64(UpdatesReceived.WithLabelValues("x509"))
	if after != before+1 {
		t.Errorf("Counter = %v, want %v", after, before+1)
	}
}

func TestRecordUpdateRejected(t *testing.T) {
	before := testutil.ToFloat64(UpdatesRejected.WithLabelValues("x509", "malformed"))
	RecordUpdateRejected("x509", "malformed")
	after := testutil.ToFloat64(UpdatesRejected.WithLabelValues("x509", "malformed"))
	if after != before+1 {
		t.Errorf("Counter = %v, want %v", after, before+1)
	}
}

func TestSetConnected(t *testing.T) {
	SetConnected(true)
	if got := testutil.ToFloat64(ConnectionStatus); got != 1 {
		t.Errorf("ConnectionStatus = %v, want 1", got)
	}
	SetConnected(false)
	if got := testutil.ToFloat64(ConnectionStatus); got != 0 {
		t.Errorf("ConnectionStatus = %v, want 0", got)
	}
}
