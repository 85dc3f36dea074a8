package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Hits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hits_recorded_total",
		Help: "Total hits recorded.",
	})
	HitsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hits_rejected_total",
		Help: "Hits rejected before touching the store.",
	}, []string{"reason"})
	BadgeRenders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "badge_renders_total",
		Help: "Badges rendered by format.",
	}, []string{"format"})
	ChartRenders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chart_renders_total",
		Help: "Charts rendered by type.",
	}, []string{"type"})
	GeoLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_lookups_total",
		Help: "Geo classifications by outcome.",
	}, []string{"result"})
	CacheHit = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_hit_total",
		Help: "Cache hits.",
	}, []string{"kind"})
	CacheMiss = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_miss_total",
		Help: "Cache misses.",
	}, []string{"kind"})
	EventsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_events_pruned_total",
		Help: "Access events deleted by retention.",
	})
	PruneFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prune_failures_total",
		Help: "Retention prune attempts that failed.",
	})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hit_events_dropped_total",
		Help: "Hit events dropped due to full buffer.",
	})
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hit_events_published_total",
		Help: "Hit events handed to the publisher by outcome.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(Hits, HitsRejected, BadgeRenders, ChartRenders, GeoLookups,
		CacheHit, CacheMiss, EventsPruned, PruneFailures, EventsDropped, EventsPublished)
}

func Handler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
