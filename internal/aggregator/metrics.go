package aggregator

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "snapshot_aggregator"

type Metrics struct {
	notifications     prometheus.Counter
	malformedChannels prometheus.Counter
	snapshotsStored   prometheus.Counter
	snapshotFailures  prometheus.Counter
	snapshotsPruned   prometheus.Counter
	roomsEvicted      prometheus.Counter
	activeRooms       prometheus.Gauge
	armedTimers       prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Update notifications received.",
		}),
		malformedChannels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_channels_total",
			Help:      "Notifications whose channel had no room segment.",
		}),
		snapshotsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "snapshots",
			Name:      "stored_total",
			Help:      "Snapshots written to the store.",
		}),
		snapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "snapshots",
			Name:      "failures_total",
			Help:      "Snapshot ticks that failed to store or prune.",
		}),
		snapshotsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "snapshots",
			Name:      "pruned_total",
			Help:      "Snapshots deleted by the per-room retention cap.",
		}),
		roomsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rooms",
			Name:      "evicted_total",
			Help:      "Rooms evicted after being idle.",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rooms",
			Name:      "active",
			Help:      "Rooms currently tracked in memory.",
		}),
		armedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rooms",
			Name:      "armed_timers",
			Help:      "Rooms with a live snapshot timer.",
		}),
	}
}

func (m *Metrics) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.notifications,
		m.malformedChannels,
		m.snapshotsStored,
		m.snapshotFailures,
		m.snapshotsPruned,
		m.roomsEvicted,
		m.activeRooms,
		m.armedTimers,
	}

	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return err
		}
	}

	return nil
}
