package discovery

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cellhost/substrate/cellsys/cops"
)

var peerCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "substrate_discovery_peers",
	Help: "Peers currently held in the discovery registry, within TTL or not.",
})

func init() {
	cops.Registry.MustRegister(peerCount)
}
