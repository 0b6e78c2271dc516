package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Summary is a point-in-time rollup of the counters, for printing.
type Summary struct {
	// Dispatches counts dispatched actions by final status.
	Dispatches map[string]int `json:"dispatches"`
	// Transforms counts incoming operations by resolver outcome.
	Transforms map[string]int `json:"transforms"`
	Retries    int            `json:"retries"`
	Slow       int            `json:"slow"`
}

// Summarize gathers g and totals the ofrenda counters.
func Summarize(g prometheus.Gatherer) (Summary, error) {
	s := Summary{
		Dispatches: make(map[string]int),
		Transforms: make(map[string]int),
	}
	families, err := g.Gather()
	if err != nil {
		return s, err
	}

	for _, mf := range families {
		name := strings.TrimPrefix(mf.GetName(), namespace+"_")
		for _, m := range mf.GetMetric() {
			n := int(m.GetCounter().GetValue())
			switch name {
			case "engine_dispatch_total":
				s.Dispatches[label(m, "status")] += n
			case "ot_transform_total":
				s.Transforms[label(m, "outcome")] += n
			case "engine_retry_total":
				s.Retries += n
			case "engine_slow_dispatch_total":
				s.Slow += n
			}
		}
	}
	return s, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
