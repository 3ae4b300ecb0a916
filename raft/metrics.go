package raft

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cellhost/substrate/cellsys/cops"
)

var commitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "substrate_raft_commit_latency_seconds",
	Help:    "Time from a command's local append to its commit index advancing past it.",
	Buckets: prometheus.DefBuckets,
})

func init() {
	cops.Registry.MustRegister(commitLatency)
}
