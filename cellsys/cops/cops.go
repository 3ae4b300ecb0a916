// Package cops is the substrate's instrumentation point: every package that
// wants a counter, gauge or histogram registers it against Registry rather
// than prometheus.DefaultRegisterer, so tests never collide with process
// state. There is no scrape server; Snapshot is the only consumer, read by
// the OPS channel reply path and by tests.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cops

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry is the process-wide collector every substrate package registers
// its metrics against.
var Registry = prometheus.NewRegistry()

// Snapshot gathers every registered metric family into a flat name->value
// map keyed by metric name plus its label set, e.g.
// `substrate_pool_connections_in_use{target="10.0.0.1:9001"}`. Gather
// errors (a misbehaving Collector) are swallowed; Snapshot always returns
// whatever it could gather rather than failing the caller.
func Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, _ := Registry.Gather()
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			key := fam.GetName() + labelSuffix(m.GetLabel())
			switch {
			case m.Counter != nil:
				out[key] = m.Counter.GetValue()
			case m.Gauge != nil:
				out[key] = m.Gauge.GetValue()
			case m.Histogram != nil:
				out[key+"_sum"] = m.Histogram.GetSampleSum()
				out[key+"_count"] = float64(m.Histogram.GetSampleCount())
			}
		}
	}
	return out
}

func labelSuffix(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	s := ""
	for _, lp := range pairs {
		s += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
	}
	return s
}
