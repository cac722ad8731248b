// Package metrics exposes Prometheus collectors for the term log engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	SegmentsCreated prometheus.Counter
	SegmentsDeleted prometheus.Counter
	BytesWritten    prometheus.Counter
	BytesRead       prometheus.Counter
	SyncDuration    prometheus.Histogram
	CommitWaiters   prometheus.Gauge
	DirtySegments   prometheus.Gauge
}

// New builds the collector set and registers it when a registerer is given.
// Pass nil for unregistered collectors (tests, embedded use).
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SegmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "termlog_segments_created_total",
			Help: "Total number of segment files created",
		}),
		SegmentsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "termlog_segments_deleted_total",
			Help: "Total number of segment files deleted by truncation",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "termlog_bytes_written_total",
			Help: "Total payload bytes written into segments",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "termlog_bytes_read_total",
			Help: "Total payload bytes read from segments",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "termlog_sync_duration_seconds",
			Help:    "Histogram of dirty segment sync durations",
			Buckets: prometheus.DefBuckets,
		}),
		CommitWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "termlog_commit_waiters",
			Help: "Number of goroutines parked on the commit watermark",
		}),
		DirtySegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "termlog_dirty_segments",
			Help: "Segments currently queued for sync",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.SegmentsCreated,
			m.SegmentsDeleted,
			m.BytesWritten,
			m.BytesRead,
			m.SyncDuration,
			m.CommitWaiters,
			m.DirtySegments,
		)
	}

	return m
}
