package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/manabi-erp/manabi/internal/shared"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("billing:generate").End(nil))
	boom := errors.New("tenant 3: boom")
	require.ErrorIs(t, m.Track("billing:generate").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("billing:generate", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("billing:generate", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("billing:generate")))
	require.Positive(t, testutil.ToFloat64(m.lastOK.WithLabelValues("billing:generate")))
	require.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestRecordSummarySkipsZeroOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	s := shared.NewRunSummary(0, false)
	s.AddCreated()
	s.AddCreated()
	s.AddSkipped("student:9", "no billable items")
	m.RecordSummary("billing:discounts", s)

	require.Equal(t, 2.0, testutil.ToFloat64(m.EntityCounter("billing:discounts", "created")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.EntityCounter("billing:discounts", "skipped")))
	require.Equal(t, 2, testutil.CollectAndCount(m.entities))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("settlement:batch").End(boom), boom)
	m.RecordSummary("settlement:batch", shared.NewRunSummary(0, false))
}
