package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cellhost/substrate/cellsys/cops"
)

var (
	poolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "substrate_pool_connections_in_use",
		Help: "Connections currently checked out of a transport pool, by target.",
	}, []string{"target"})
	poolDialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_pool_dials_total",
		Help: "Dial attempts made by a transport pool, by target and outcome.",
	}, []string{"target", "outcome"})
)

func init() {
	cops.Registry.MustRegister(poolInUse, poolDialsTotal)
}
