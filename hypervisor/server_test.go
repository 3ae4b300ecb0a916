package hypervisor

import (
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellhost/substrate/cellsys/cops"
	"github.com/cellhost/substrate/vesicle"
)

func TestOpsChannelDispatchesMetricsSnapshot(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "hypervisor_ops_test_gauge"})
	cops.Registry.MustRegister(g)
	t.Cleanup(func() { cops.Registry.Unregister(g) })
	g.Set(7)

	h := New(t.TempDir(), nil)
	tbl := h.Table()

	v := vesicle.Empty(vesicle.Header{}, vesicle.ChanOps)
	reply, err := tbl.Dispatch(v, time.Now().Add(time.Second))
	require.NoError(t, err)

	var snap map[string]float64
	require.NoError(t, jsoniter.Unmarshal(reply, &snap))
	assert.Equal(t, 7.0, snap["hypervisor_ops_test_gauge"])
}
