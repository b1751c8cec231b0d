package coordinator

// Fetch outcomes reported to Metrics.
const (
	OutcomeFresh    = "fresh"
	OutcomeExpired  = "expired"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Metrics receives fetch outcomes per provider and the in-flight gauge.
type Metrics interface {
	Fetch(provider, outcome string)
	InFlight(n int)
}

type NoopMetrics struct{}

func (NoopMetrics) Fetch(string, string) {}
func (NoopMetrics) InFlight(int)         {}
