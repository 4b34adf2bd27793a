package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/dataplane/bbq"
	"github.com/baxromumarov/dataplane/gstate"
)

func TestCollectorCounters(t *testing.T) {
	c, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	c.Cycle("parse", 4, 3, 2)
	c.Cycle("parse", 0, 0, 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cycles.WithLabelValues("parse")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.events.WithLabelValues("parse", "fetched")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.events.WithLabelValues("parse", "processed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("parse", "thrown")))

	c.WorkerExit("parse", true, nil)
	c.WorkerExit("parse", false, errors.New("bad batch"))
	c.WorkerExit("parse", false, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerExits.WithLabelValues("parse", "canceled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerExits.WithLabelValues("parse", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerExits.WithLabelValues("parse", "shutdown")))

	c.StageState("parse", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.stageState.WithLabelValues("parse")))

	c.GlobalState(gstate.Initialized, gstate.Started)
	assert.Equal(t, float64(gstate.Started), testutil.ToFloat64(c.globalState))

	c.PauseLatency("parse", 2*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(c.pauseLatency))
}

func TestCollectorQueueGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	q, err := bbq.New(8, 4, nil)
	require.NoError(t, err)
	require.NoError(t, q.TryPut(make([]byte, 8)))
	require.NoError(t, c.RegisterQueue("ingress", q))

	expected := `
# HELP dataplane_queue_depth Values currently held by a bounded queue
# TYPE dataplane_queue_depth gauge
dataplane_queue_depth{queue="ingress"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dataplane_queue_depth"))

	err = c.RegisterQueue("ingress", q)
	assert.Error(t, err, "duplicate queue names are rejected")
}

func TestCollectorDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Cycle("x", 1, 1, 1)
		c.WorkerExit("x", false, nil)
		c.StageState("x", 1)
		c.PauseLatency("x", time.Second)
		c.GlobalState(gstate.Unknown, gstate.Started)
		assert.NoError(t, c.RegisterQueue("x", nil))
	})
}
