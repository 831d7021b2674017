package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mnemosyne/internal/cache"
)

type Metrics struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	cacheBypass       *prometheus.CounterVec
	cacheStoreFail    prometheus.Counter
	coalesceBreakaway prometheus.Counter
	routerReplace     prometheus.Counter
	invalidations     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamRoundTrip prometheus.Histogram
}

func NewMetrics(stats func() cache.Stats) *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemosyne_requests_total",
		Help: "Total proxied requests",
	}, []string{"status_class", "cache_status"})

	upstreamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemosyne_upstream_errors_total",
		Help: "Total backend fetch failures",
	}, []string{"category"})

	cacheBypass := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemosyne_cache_bypass_total",
		Help: "Total responses passed through uncached",
	}, []string{"reason"})

	cacheStoreFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mnemosyne_cache_store_fail_total",
		Help: "Total cache store failures degraded to bypass",
	})

	coalesceBreakaway := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mnemosyne_cache_coalesce_breakaway_total",
		Help: "Total coalesced waiters that fell back to an independent fetch",
	})

	routerReplace := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mnemosyne_router_replace_total",
		Help: "Total routing table replacements",
	})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemosyne_cache_invalidations_total",
		Help: "Total entries removed by admin invalidation",
	}, []string{"scope"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mnemosyne_request_duration_seconds",
		Help:    "Request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache_status"})

	upstreamRoundTrip := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mnemosyne_upstream_roundtrip_seconds",
		Help:    "Backend round trip duration",
		Buckets: prometheus.DefBuckets,
	})

	registry.MustRegister(requests, upstreamErrors, cacheBypass, cacheStoreFail,
		coalesceBreakaway, routerReplace, invalidations, requestDuration, upstreamRoundTrip)

	if stats != nil {
		registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "mnemosyne_cache_entries",
				Help: "Live cache entries",
			}, func() float64 { return float64(stats().EntryCount) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "mnemosyne_cache_bytes",
				Help: "Sum of cache entry footprints",
			}, func() float64 { return float64(stats().TotalBytes) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "mnemosyne_cache_hits_total",
				Help: "Total cache hits",
			}, func() float64 { return float64(stats().Hits) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "mnemosyne_cache_misses_total",
				Help: "Total cache misses",
			}, func() float64 { return float64(stats().Misses) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "mnemosyne_cache_evictions_total",
				Help: "Total size-pressure evictions",
			}, func() float64 { return float64(stats().Evictions) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "mnemosyne_cache_expirations_total",
				Help: "Total idle expirations",
			}, func() float64 { return float64(stats().Expirations) }),
		)
	}

	return &Metrics{
		registry:          registry,
		requests:          requests,
		upstreamErrors:    upstreamErrors,
		cacheBypass:       cacheBypass,
		cacheStoreFail:    cacheStoreFail,
		coalesceBreakaway: coalesceBreakaway,
		routerReplace:     routerReplace,
		invalidations:     invalidations,
		requestDuration:   requestDuration,
		upstreamRoundTrip: upstreamRoundTrip,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(status int, cacheStatus string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(statusClass(status), cacheStatus).Inc()
	m.requestDuration.WithLabelValues(cacheStatus).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstreamRoundTrip(duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRoundTrip.Observe(duration.Seconds())
}

func (m *Metrics) RecordUpstreamError(category string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordCacheBypass(reason string) {
	if m == nil {
		return
	}
	m.cacheBypass.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCacheStoreFail() {
	if m == nil {
		return
	}
	m.cacheStoreFail.Inc()
}

func (m *Metrics) RecordCoalesceBreakaway() {
	if m == nil {
		return
	}
	m.coalesceBreakaway.Inc()
}

func (m *Metrics) RecordRouterReplace() {
	if m == nil {
		return
	}
	m.routerReplace.Inc()
}

func (m *Metrics) RecordInvalidation(scope string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.invalidations.WithLabelValues(scope).Add(float64(count))
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
