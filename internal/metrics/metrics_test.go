package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.LedgerAppended()
	m.LedgerDropped()
	m.SnapshotRun("manual", "success")
	m.DeliveryFailed("email")
	m.MirrorRow("local", true)
	m.IncidentRecorded("asset")
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.LedgerAppended()
	m.SnapshotRun("scheduled", "failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "assetledger_ledger_appends_total 1") {
		t.Fatalf("missing append counter:\n%s", body)
	}
	if !strings.Contains(body, `assetledger_snapshot_runs_total{status="failed",trigger="scheduled"} 1`) {
		t.Fatalf("missing run counter:\n%s", body)
	}
}
