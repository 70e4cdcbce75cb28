package corekv

// metrics.go mirrors the teacher's metrics.go abstraction: a metricsSink
// interface with a no-op and a Prometheus implementation, so the hot path
// never pays for metric updates when the caller opts out.
//
// © 2025 corekv authors. MIT License.

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricsSink interface {
	incUpsert()
	incRead(hit bool)
	incDelete()
	incRMW()
	incTimeout()
	incCheckpoint()
	incGC(migrated, removed int)
	setBoundaries(begin, head, readOnly, tail uint64)
}

type noopMetrics struct{}

func (noopMetrics) incUpsert()                                   {}
func (noopMetrics) incRead(bool)                                  {}
func (noopMetrics) incDelete()                                    {}
func (noopMetrics) incRMW()                                       {}
func (noopMetrics) incTimeout()                                   {}
func (noopMetrics) incCheckpoint()                                {}
func (noopMetrics) incGC(int, int)                                {}
func (noopMetrics) setBoundaries(begin, head, readOnly, tail uint64) {}

type promMetrics struct {
	upserts     prometheus.Counter
	reads       *prometheus.CounterVec
	deletes     prometheus.Counter
	rmws        prometheus.Counter
	timeouts    prometheus.Counter
	checkpoints prometheus.Counter
	gcMigrated  prometheus.Counter
	gcRemoved   prometheus.Counter
	boundaries  *prometheus.GaugeVec
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	m := &promMetrics{
		upserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corekv", Name: "upserts_total", Help: "Number of upsert calls.",
		}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corekv", Name: "reads_total", Help: "Number of read calls.",
		}, []string{"outcome"}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corekv", Name: "deletes_total", Help: "Number of delete calls.",
		}),
		rmws: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corekv", Name: "rmws_total", Help: "Number of read-modify-write calls.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corekv", Name: "timeouts_total", Help: "Number of calls that returned a timeout.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corekv", Name: "checkpoints_total", Help: "Number of committed checkpoints.",
		}),
		gcMigrated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corekv", Name: "gc_migrated_total", Help: "Number of index entries migrated by GC.",
		}),
		gcRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corekv", Name: "gc_removed_total", Help: "Number of index entries removed by GC.",
		}),
		boundaries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corekv", Name: "log_boundary", Help: "Current value of each hybrid-log region boundary.",
		}, []string{"boundary"}),
	}
	reg.MustRegister(m.upserts, m.reads, m.deletes, m.rmws, m.timeouts,
		m.checkpoints, m.gcMigrated, m.gcRemoved, m.boundaries)
	return m
}

func (m *promMetrics) incUpsert() { m.upserts.Inc() }
func (m *promMetrics) incRead(hit bool) {
	if hit {
		m.reads.WithLabelValues("hit").Inc()
	} else {
		m.reads.WithLabelValues("miss").Inc()
	}
}
func (m *promMetrics) incDelete()     { m.deletes.Inc() }
func (m *promMetrics) incRMW()        { m.rmws.Inc() }
func (m *promMetrics) incTimeout()    { m.timeouts.Inc() }
func (m *promMetrics) incCheckpoint() { m.checkpoints.Inc() }
func (m *promMetrics) incGC(migrated, removed int) {
	m.gcMigrated.Add(float64(migrated))
	m.gcRemoved.Add(float64(removed))
}
func (m *promMetrics) setBoundaries(begin, head, readOnly, tail uint64) {
	m.boundaries.WithLabelValues("begin").Set(float64(begin))
	m.boundaries.WithLabelValues("head").Set(float64(head))
	m.boundaries.WithLabelValues("read_only").Set(float64(readOnly))
	m.boundaries.WithLabelValues("tail").Set(float64(tail))
}

func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
