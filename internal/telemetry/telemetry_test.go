package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true)
	c.Counter("deploy_package", 1, map[string]string{"result": "ok"})
	c.Counter("deploy_package", 1, map[string]string{"result": "ok"})
	c.Counter("deploy_package", 1, map[string]string{"result": "error"})
	c.Timer("poll_wait", 1500*time.Millisecond, nil)

	snap := c.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "deploy_package", snap[0].Name)
	assert.Equal(t, map[string]string{"result": "error"}, snap[0].Labels)
	assert.Equal(t, 2, snap[1].Count)
	assert.Equal(t, 2.0, snap[1].Value)
	assert.Equal(t, Timer, snap[2].Type)
	assert.Equal(t, 1500.0, snap[2].Value)
	assert.Equal(t, "ms", snap[2].Unit)

	c.Flush()
	assert.Empty(t, c.Snapshot())
}

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	assert.Empty(t, c.Snapshot())

	var nilCollector *Collector
	nilCollector.Counter("x", 1, nil)
	nilCollector.Flush()
}

func TestGlobal(t *testing.T) {
	InitGlobal(true)
	t.Cleanup(func() { InitGlobal(false) })
	CounterGlobal("record_history", 1, nil)
	TimerGlobal("run_script", time.Second, nil)
	assert.Len(t, GetGlobal().Snapshot(), 2)
	Shutdown()
	assert.Empty(t, GetGlobal().Snapshot())
}
