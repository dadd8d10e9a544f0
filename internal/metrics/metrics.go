package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentsettle"

// Recorder collects reconciliation and settlement metrics. A nil Recorder, or
// one built without a registerer, drops everything.
type Recorder struct {
	matchingRuns    *prometheus.CounterVec
	records         *prometheus.CounterVec
	ingested        *prometheus.CounterVec
	payments        *prometheus.CounterVec
	batchTransition *prometheus.CounterVec
	reportDuration  *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		return &Recorder{}
	}
	r := &Recorder{
		matchingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matching_runs_total",
			Help:      "Matching runs by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_records_total",
			Help:      "Reconciliation records written, by status.",
		}, []string{"status"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_transactions_total",
			Help:      "Uploaded transactions by side and result.",
		}, []string{"side", "result"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment creation attempts by result.",
		}, []string{"result"}),
		batchTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_transitions_total",
			Help:      "Payment batch lifecycle actions.",
		}, []string{"action"}),
		reportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "debt_report_duration_seconds",
			Help:      "Duration of debt report computations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"report"}),
	}
	reg.MustRegister(r.matchingRuns, r.records, r.ingested, r.payments, r.batchTransition, r.reportDuration)
	return r
}

func (r *Recorder) MatchingRun(outcome string) {
	if r == nil || r.matchingRuns == nil {
		return
	}
	r.matchingRuns.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordsWritten adds n records of the given status.
func (r *Recorder) RecordsWritten(status string, n int) {
	if r == nil || r.records == nil || n <= 0 {
		return
	}
	r.records.WithLabelValues(normalizeLabel(status)).Add(float64(n))
}

func (r *Recorder) Ingested(side, result string, n int) {
	if r == nil || r.ingested == nil || n <= 0 {
		return
	}
	r.ingested.WithLabelValues(normalizeLabel(side), normalizeLabel(result)).Add(float64(n))
}

func (r *Recorder) Payment(result string) {
	if r == nil || r.payments == nil {
		return
	}
	r.payments.WithLabelValues(normalizeLabel(result)).Inc()
}

func (r *Recorder) BatchTransition(action string) {
	if r == nil || r.batchTransition == nil {
		return
	}
	r.batchTransition.WithLabelValues(normalizeLabel(action)).Inc()
}

func (r *Recorder) ObserveReport(report string, d time.Duration) {
	if r == nil || r.reportDuration == nil {
		return
	}
	r.reportDuration.WithLabelValues(normalizeLabel(report)).Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
