package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.SetWorkersRunning(2)
	c.Update(7, "button")
	c.Update(7, "button")
	c.Update(7, "text")
	c.PollError(7)
	c.SendError(8)
	c.Crash(8)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.workersRunning))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.updates.WithLabelValues("7", "button")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.updates.WithLabelValues("7", "text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pollErrors.WithLabelValues("7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendErrors.WithLabelValues("8")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.crashes.WithLabelValues("8")))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SetWorkersRunning(1)
		c.Update(1, "start")
		c.PollError(1)
		c.SendError(1)
		c.Crash(1)
	})
}
