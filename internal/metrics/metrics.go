// Package metrics exposes prometheus collectors for the audit subsystem.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry         *prometheus.Registry
	ledgerAppends    prometheus.Counter
	ledgerDropped    prometheus.Counter
	snapshotRuns     *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	mirrorRows       *prometheus.CounterVec
	incidents        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ledgerAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetledger_ledger_appends_total",
			Help: "Ledger entries written.",
		}),
		ledgerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetledger_ledger_dropped_total",
			Help: "Ledger writes dropped because storage failed.",
		}),
		snapshotRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetledger_snapshot_runs_total",
			Help: "Snapshot runs by trigger and status.",
		}, []string{"trigger", "status"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetledger_delivery_failures_total",
			Help: "Failed delivery attempts by channel.",
		}, []string{"channel"}),
		mirrorRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetledger_mirror_rows_total",
			Help: "Mirror log rows appended by channel and result.",
		}, []string{"channel", "result"}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetledger_incidents_total",
			Help: "Incidents recorded by entity kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.ledgerAppends,
		m.ledgerDropped,
		m.snapshotRuns,
		m.deliveryFailures,
		m.mirrorRows,
		m.incidents,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LedgerAppended() {
	if m != nil {
		m.ledgerAppends.Inc()
	}
}

func (m *Metrics) LedgerDropped() {
	if m != nil {
		m.ledgerDropped.Inc()
	}
}

func (m *Metrics) SnapshotRun(trigger, status string) {
	if m != nil {
		m.snapshotRuns.WithLabelValues(trigger, status).Inc()
	}
}

func (m *Metrics) DeliveryFailed(channel string) {
	if m != nil {
		m.deliveryFailures.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) MirrorRow(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.mirrorRows.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) IncidentRecorded(kind string) {
	if m != nil {
		m.incidents.WithLabelValues(kind).Inc()
	}
}
