package offline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the durability layer's collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Dispatch     *prometheus.CounterVec
	Enqueued     prometheus.Counter
	Replays      *prometheus.CounterVec
	Dropped      prometheus.Counter
	QueueDepth   prometheus.Gauge
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheExpired prometheus.Counter
	StoreErrors  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_dispatch_total",
			Help: "Total SafeFetch calls by outcome (delivered, cached, queued, failed).",
		}, []string{"outcome"}),
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_queue_enqueued_total",
			Help: "Total mutating requests deferred to the action queue.",
		}),
		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_queue_replay_total",
			Help: "Total queued action replays by result (ok, fail).",
		}, []string{"result"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_queue_dropped_total",
			Help: "Total queued actions dropped after exhausting retries.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offline_queue_depth",
			Help: "Queued actions remaining after the last enqueue or drain.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_cache_hits_total",
			Help: "Total cache reads that returned a live entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_cache_misses_total",
			Help: "Total cache reads that found nothing usable.",
		}),
		CacheExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_cache_expired_total",
			Help: "Total cache entries removed for expiry (lazy or swept).",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_store_errors_total",
			Help: "Total storage failures by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Dispatch, m.Enqueued, m.Replays, m.Dropped, m.QueueDepth,
			m.CacheHits, m.CacheMisses, m.CacheExpired, m.StoreErrors,
		)
	}
	return m
}

func (m *Metrics) dispatched(o Outcome) {
	if m != nil {
		m.Dispatch.WithLabelValues(string(o)).Inc()
	}
}

func (m *Metrics) enqueued() {
	if m != nil {
		m.Enqueued.Inc()
	}
}

func (m *Metrics) replayed(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Replays.WithLabelValues("ok").Inc()
	} else {
		m.Replays.WithLabelValues("fail").Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) queueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) cacheHit(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) cacheExpired(n int) {
	if m != nil && n > 0 {
		m.CacheExpired.Add(float64(n))
	}
}

func (m *Metrics) storeError(op string) {
	if m != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}
