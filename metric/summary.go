package metric

import (
	"strings"

	dto "github.com/prometheus/client_model/go"

	"github.com/c360/tripscope/errors"
)

// CounterTotals gathers the registry and sums every counter whose family
// name starts with prefix across all label sets. Keys are family names.
func (r *MetricsRegistry) CounterTotals(prefix string) (map[string]float64, error) {
	families, err := r.prometheusRegistry.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "MetricsRegistry", "CounterTotals", "gather")
	}
	return sumCounters(families, prefix), nil
}

func sumCounters(families []*dto.MetricFamily, prefix string) map[string]float64 {
	totals := make(map[string]float64)
	for _, family := range families {
		if family.GetType() != dto.MetricType_COUNTER || !strings.HasPrefix(family.GetName(), prefix) {
			continue
		}
		var sum float64
		for _, m := range family.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		totals[family.GetName()] = sum
	}
	return totals
}
