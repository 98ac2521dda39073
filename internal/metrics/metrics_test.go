package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	c := NewCollector()

	c.RecordAdmission("Transfer", true)
	c.RecordAdmission("Transfer", true)
	c.RecordAdmission("Transfer", false)
	c.RecordAdmission("Accept", true)

	require.EqualValues(t, 2, c.Counter(MetricAdmitted,
		map[string]string{"kind": "Transfer"}))
	require.EqualValues(t, 1, c.Counter(MetricRejected,
		map[string]string{"kind": "Transfer"}))
	require.EqualValues(t, 1, c.Counter(MetricAdmitted,
		map[string]string{"kind": "Accept"}))
	require.Zero(t, c.Counter(MetricRejected,
		map[string]string{"kind": "Accept"}))
}

func TestLabelOrderIndependent(t *testing.T) {
	c := NewCollector()
	c.RecordExecution("Accept", "UnknownTransfer")

	labels := map[string]string{"outcome": "UnknownTransfer", "kind": "Accept"}
	require.EqualValues(t, 1, c.Counter(MetricExecuted, labels))
	require.Equal(t, "tx_executed_kind_Accept_outcome_UnknownTransfer",
		makeKey(MetricExecuted, labels))

	m := c.GetMetric(MetricExecuted, labels)
	require.NotNil(t, m)
	require.Equal(t, Counter, m.Type)
	require.Equal(t, labels, m.Labels)
}

func TestHistogramSummary(t *testing.T) {
	c := NewCollector()
	for _, d := range []time.Duration{time.Second, 3 * time.Second,
		2 * time.Second} {

		c.RecordVerify(d)
	}

	h := c.Summary().Histograms[MetricVerifyTime]
	require.Equal(t, float64(3), h.Count)
	require.Equal(t, float64(1), h.Min)
	require.Equal(t, float64(3), h.Max)
	require.Equal(t, float64(6), h.Sum)
	require.Equal(t, float64(2), h.Avg)
}

func TestHistogramBounded(t *testing.T) {
	c := NewCollector()
	for i := 0; i < maxHistogramSamples+10; i++ {
		c.RecordHistogram("h", float64(i), nil)
	}
	h := c.Summary().Histograms["h"]
	require.Equal(t, float64(maxHistogramSamples), h.Count)
	require.Equal(t, float64(10), h.Min)
}

func TestRecordBlock(t *testing.T) {
	c := NewCollector()
	c.RecordBlock(7, time.Millisecond, 2, 0)
	c.RecordBlock(8, time.Millisecond, 1, 1)

	s := c.Summary()
	require.Equal(t, float64(8), s.Gauges[MetricBlockHeight])
	require.EqualValues(t, 3, s.Counters[MetricRollbacks])
	require.EqualValues(t, 1, s.Counters[MetricDuplicates])

	c.Reset()
	require.Empty(t, c.GetAllMetrics())
}

func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker("test")

	var storageErr error
	hc.RegisterComponent("storage", func() error { return storageErr })
	hc.RegisterComponent("producer", func() error { return nil })

	health := hc.CheckHealth()
	require.Equal(t, Healthy, health.OverallStatus)
	require.Len(t, health.Components, 2)
	require.Equal(t, "producer", health.Components[0].Name)
	require.Equal(t, "success", CreateHealthResponse(health).Status)

	storageErr = errors.New("database closed")
	health = hc.CheckHealth()
	require.Equal(t, Unhealthy, health.OverallStatus)
	require.Equal(t, "database closed", health.Components[1].Message)
	require.Equal(t, "error", CreateHealthResponse(health).Status)

	storageErr = nil
	hc.CheckHealth()
	hc.UpdateComponent("producer", Degraded, "falling behind")
	health = hc.GetHealth()
	require.Equal(t, Degraded, health.OverallStatus)
	require.Equal(t, "warning", CreateHealthResponse(health).Status)
}
