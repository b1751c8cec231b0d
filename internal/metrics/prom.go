package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"tilecache/internal/cache"
	"tilecache/internal/coordinator"
)

// Adapter implements cache.Metrics and coordinator.Metrics and exports them
// as Prometheus collectors.
type Adapter struct {
	hits     *prometheus.CounterVec
	misses   *prometheus.CounterVec
	evicts   *prometheus.CounterVec
	entries  *prometheus.GaugeVec
	bytes    *prometheus.GaugeVec
	fetches  *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// New constructs the adapter and registers it with reg
// (nil => prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer, ns string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Tile cache hits by tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Tile cache misses by tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Tile cache evictions by tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "size_entries",
			Help:        "Resident tiles by tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "size_bytes",
			Help:        "Resident bytes by tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "provider",
			Name:        "fetches_total",
			Help:        "Provider attempts by provider and outcome",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "coordinator",
			Name:        "in_flight",
			Help:        "Active provider-chain walks",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.entries, a.bytes, a.fetches, a.inFlight)
	return a
}

func (a *Adapter) Hit(tier string)   { a.hits.WithLabelValues(tier).Inc() }
func (a *Adapter) Miss(tier string)  { a.misses.WithLabelValues(tier).Inc() }
func (a *Adapter) Evict(tier string) { a.evicts.WithLabelValues(tier).Inc() }

// Size updates the gauges for one tier.
func (a *Adapter) Size(tier string, entries int, bytes int64) {
	a.entries.WithLabelValues(tier).Set(float64(entries))
	a.bytes.WithLabelValues(tier).Set(float64(bytes))
}

func (a *Adapter) Fetch(provider, outcome string) {
	a.fetches.WithLabelValues(provider, outcome).Inc()
}

func (a *Adapter) InFlight(n int) { a.inFlight.Set(float64(n)) }

var (
	_ cache.Metrics       = (*Adapter)(nil)
	_ coordinator.Metrics = (*Adapter)(nil)
)
