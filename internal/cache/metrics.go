package cache

// Tier labels used with Metrics.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
)

// Metrics exposes cache-level observability hooks.
type Metrics interface {
	Hit(tier string)
	Miss(tier string)
	Evict(tier string)
	Size(tier string, entries int, bytes int64)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit(string)              {}
func (NoopMetrics) Miss(string)             {}
func (NoopMetrics) Evict(string)            {}
func (NoopMetrics) Size(string, int, int64) {}

var _ Metrics = NoopMetrics{}
