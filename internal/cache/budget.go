package cache

import (
	"math"
	"runtime/debug"
)

const (
	minMemoryBudget = 16 << 20
	// referenceMemory stands in for the process limit when GOMEMLIMIT is unset.
	referenceMemory = 1 << 30
)

// DefaultMemoryBudget returns fraction of the Go memory limit, floored at
// 16 MiB.
func DefaultMemoryBudget(fraction float64) int64 {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.125
	}
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		limit = referenceMemory
	}
	budget := int64(float64(limit) * fraction)
	if budget < minMemoryBudget {
		budget = minMemoryBudget
	}
	return budget
}
