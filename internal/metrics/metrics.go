// Package metrics exposes Prometheus collectors for the bot runtime.
//
// A nil *Collector is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "maxbot"

// Collector holds the runtime metrics.
type Collector struct {
	workersRunning prometheus.Gauge
	updates        *prometheus.CounterVec
	pollErrors     *prometheus.CounterVec
	sendErrors     *prometheus.CounterVec
	crashes        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Number of bot workers currently registered with the supervisor",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Platform updates processed, by bot and event kind",
		}, []string{"bot_id", "kind"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed update fetches",
		}, []string{"bot_id"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Failed outbound sends and callback answers",
		}, []string{"bot_id"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_crashes_total",
			Help:      "Workers found dead while still flagged as running",
		}, []string{"bot_id"}),
	}
	for _, col := range []prometheus.Collector{c.workersRunning, c.updates, c.pollErrors, c.sendErrors, c.crashes} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func label(botID int64) string {
	return strconv.FormatInt(botID, 10)
}

// SetWorkersRunning records the size of the worker table.
func (c *Collector) SetWorkersRunning(n int) {
	if c == nil {
		return
	}
	c.workersRunning.Set(float64(n))
}

// Update counts one processed update of the given kind.
func (c *Collector) Update(botID int64, kind string) {
	if c == nil {
		return
	}
	c.updates.WithLabelValues(label(botID), kind).Inc()
}

// PollError counts a failed fetch.
func (c *Collector) PollError(botID int64) {
	if c == nil {
		return
	}
	c.pollErrors.WithLabelValues(label(botID)).Inc()
}

// SendError counts a failed send.
func (c *Collector) SendError(botID int64) {
	if c == nil {
		return
	}
	c.sendErrors.WithLabelValues(label(botID)).Inc()
}

// Crash counts a worker that died without being stopped.
func (c *Collector) Crash(botID int64) {
	if c == nil {
		return
	}
	c.crashes.WithLabelValues(label(botID)).Inc()
}
