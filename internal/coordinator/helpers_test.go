package coordinator

import (
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// lookupMetric returns the value of the counter or gauge called name whose
// labels include all of labels.
func lookupMetric(reg *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	families, err := reg.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue samples
				}
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue(), true
			}
			return m.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	v, ok := lookupMetric(reg, name, labels)
	require.True(t, ok, "no sample of %s with labels %v", name, labels)
	return v
}

func workerHealthy(t *testing.T, reg *prometheus.Registry, index int) float64 {
	t.Helper()
	return metricValue(t, reg, "userfleet_fleet_worker_healthy", map[string]string{"worker": strconv.Itoa(index)})
}
