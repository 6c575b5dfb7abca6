// Package observability holds the Prometheus collectors of the edit engine.
package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type collectorSet struct {
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	upstreamLatency   *prometheus.HistogramVec
	catalogRebuilds   *prometheus.CounterVec
	catalogLayers     *prometheus.GaugeVec
	selectionEvents   *prometheus.CounterVec
	workflowTrans     *prometheus.CounterVec
	workflowStale     prometheus.Counter
	interceptSubmits  *prometheus.CounterVec
	interceptEnriched *prometheus.CounterVec
	writebackBatches  *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	redisOps          *prometheus.CounterVec
	redisDuration     *prometheus.HistogramVec
	mirrorLookups     *prometheus.CounterVec
	zoneCache         *prometheus.CounterVec
}

var (
	mu  sync.RWMutex
	set *collectorSet
)

func newCollectorSet() *collectorSet {
	return &collectorSet{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		}, []string{"method", "route", "status"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of feature service calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"upstream", "op"}),
		catalogRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_rebuilds_total",
			Help: "Editable layer catalog rebuilds by trigger.",
		}, []string{"trigger"}),
		catalogLayers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalog_layers",
			Help: "Layers in the most recent catalog by kind.",
		}, []string{"kind"}),
		selectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "selection_events_total",
			Help: "Selection bridge events by result.",
		}, []string{"result"}),
		workflowTrans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Workflow state transitions by destination state.",
		}, []string{"to"}),
		workflowStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_start_stale_total",
			Help: "Workflow starts dropped because a newer selection arrived.",
		}),
		interceptSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_submissions_total",
			Help: "Intercepted edit submissions by result.",
		}, []string{"result"}),
		interceptEnriched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_enrichment_total",
			Help: "Enriched attributes by value source.",
		}, []string{"source"}),
		writebackBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "writeback_batches_total",
			Help: "Write-back batches by result.",
		}, []string{"result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "editor_sessions_active",
			Help: "Open editor sessions.",
		}),
		redisOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_op_total",
			Help: "Redis mirror operations by op and result.",
		}, []string{"op", "result"}),
		redisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"}),
		mirrorLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_lookups_total",
			Help: "Mirror record lookups by result.",
		}, []string{"result"}),
		zoneCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zone_cache_lookups_total",
			Help: "Zone lookup cache results.",
		}, []string{"result"}),
	}
}

func (c *collectorSet) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.httpRequests, c.httpDuration, c.upstreamLatency, c.catalogRebuilds, c.catalogLayers,
		c.selectionEvents, c.workflowTrans, c.workflowStale, c.interceptSubmits,
		c.interceptEnriched, c.writebackBatches, c.activeSessions, c.redisOps, c.redisDuration,
		c.mirrorLookups, c.zoneCache,
	}
}

// Init registers a fresh collector set on reg. With enabled=false every helper is a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || reg == nil {
		set = nil
		return
	}
	cs := newCollectorSet()
	reg.MustRegister(cs.all()...)
	set = cs
}

func current() *collectorSet {
	mu.RLock()
	defer mu.RUnlock()
	return set
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if c := current(); c != nil {
		st := strconv.Itoa(status)
		c.httpRequests.WithLabelValues(method, route, st).Inc()
		c.httpDuration.WithLabelValues(method, route, st).Observe(durationSeconds)
	}
}

func ObserveUpstreamLatency(upstream, op string, durationSeconds float64) {
	if c := current(); c != nil {
		c.upstreamLatency.WithLabelValues(upstream, op).Observe(durationSeconds)
	}
}

func IncCatalogRebuild(trigger string) {
	if c := current(); c != nil {
		c.catalogRebuilds.WithLabelValues(trigger).Inc()
	}
}

func SetCatalogLayers(editable, uneditable int) {
	if c := current(); c != nil {
		c.catalogLayers.WithLabelValues("editable").Set(float64(editable))
		c.catalogLayers.WithLabelValues("uneditable").Set(float64(uneditable))
	}
}

func IncSelectionEvent(result string) {
	if c := current(); c != nil {
		c.selectionEvents.WithLabelValues(result).Inc()
	}
}

func IncWorkflowTransition(to string) {
	if c := current(); c != nil {
		c.workflowTrans.WithLabelValues(to).Inc()
	}
}

func IncWorkflowStale() {
	if c := current(); c != nil {
		c.workflowStale.Inc()
	}
}

func IncSubmission(result string) {
	if c := current(); c != nil {
		c.interceptSubmits.WithLabelValues(result).Inc()
	}
}

func IncEnrichment(source string) {
	if c := current(); c != nil {
		c.interceptEnriched.WithLabelValues(source).Inc()
	}
}

func IncWriteback(result string) {
	if c := current(); c != nil {
		c.writebackBatches.WithLabelValues(result).Inc()
	}
}

func AddActiveSessions(delta int) {
	if c := current(); c != nil {
		c.activeSessions.Add(float64(delta))
	}
}

func ObserveRedisOp(op string, err error, durationSeconds float64) {
	if c := current(); c != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.redisOps.WithLabelValues(op, result).Inc()
		c.redisDuration.WithLabelValues(op).Observe(durationSeconds)
	}
}

func AddMirrorLookups(hits, misses int) {
	if c := current(); c != nil {
		if hits > 0 {
			c.mirrorLookups.WithLabelValues("hit").Add(float64(hits))
		}
		if misses > 0 {
			c.mirrorLookups.WithLabelValues("miss").Add(float64(misses))
		}
	}
}

func IncZoneCache(hit bool) {
	if c := current(); c != nil {
		if hit {
			c.zoneCache.WithLabelValues("hit").Inc()
			return
		}
		c.zoneCache.WithLabelValues("miss").Inc()
	}
}
