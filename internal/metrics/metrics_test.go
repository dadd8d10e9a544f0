package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)

	rec.MatchingRun("completed")
	rec.RecordsWritten("MATCHED", 3)
	rec.RecordsWritten("ERROR_AMOUNT", 0)
	rec.Ingested("merchant", "created", 2)
	rec.Payment("created")
	rec.Payment("skipped")
	rec.BatchTransition("settle")
	rec.ObserveReport("agent", 150*time.Millisecond)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	got, err := counterValue(mfs, "agentsettle_reconciliation_records_total", "status", "MATCHED")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	_, err = counterValue(mfs, "agentsettle_reconciliation_records_total", "status", "ERROR_AMOUNT")
	assert.Error(t, err, "zero adds create no series")

	got, err = counterValue(mfs, "agentsettle_payments_total", "result", "skipped")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	got, err = counterValue(mfs, "agentsettle_ingested_transactions_total", "side", "merchant")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)

	sum, err := histogramSum(mfs, "agentsettle_debt_report_duration_seconds", "report", "agent")
	require.NoError(t, err)
	assert.Greater(t, sum, 0.0)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.MatchingRun("failed")
	rec.Payment("created")
	rec.ObserveReport("account", time.Second)

	New(nil).BatchTransition("revert")
}

func counterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if hasLabel(m.GetLabel(), label, value) {
				return m.GetCounter().GetValue(), nil
			}
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func histogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if hasLabel(m.GetLabel(), label, value) {
				return m.GetHistogram().GetSampleSum(), nil
			}
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func hasLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, l := range labels {
		if l.GetName() == name && l.GetValue() == value {
			return true
		}
	}
	return false
}
