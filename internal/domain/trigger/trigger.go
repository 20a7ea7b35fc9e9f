// Package trigger decides when accumulated feedback justifies a learning cycle.
package trigger

// Default thresholds.
const (
	DefaultMinSamples = 10
	DefaultMinTotal   = 5
)

// ShouldTrigger reports whether a cycle should run now. It fires only when at
// least minSamples outcome-recorded records are unconsumed and at least
// minTotal outcomes were ever recorded.
func ShouldTrigger(totalWithOutcomes, unconsumedWithOutcomes, minSamples, minTotal int) bool {
	return unconsumedWithOutcomes >= minSamples && totalWithOutcomes >= minTotal
}

// Option applies a configuration option to the Policy.
type Option func(*Policy)

// WithMinSamples sets the unconsumed-sample floor.
func WithMinSamples(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.minSamples = n
		}
	}
}

// WithMinTotal sets the lifetime-outcome floor.
func WithMinTotal(n int) Option {
	return func(p *Policy) {
		if n >= 0 {
			p.minTotal = n
		}
	}
}

// Policy binds ShouldTrigger to configured thresholds.
type Policy struct {
	minSamples int
	minTotal   int
}

// New creates a Policy with the default thresholds.
func New(opts ...Option) Policy {
	p := Policy{minSamples: DefaultMinSamples, minTotal: DefaultMinTotal}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// ShouldTrigger applies the policy's thresholds.
func (p Policy) ShouldTrigger(totalWithOutcomes, unconsumedWithOutcomes int) bool {
	return ShouldTrigger(totalWithOutcomes, unconsumedWithOutcomes, p.minSamples, p.minTotal)
}

// MinSamples returns the unconsumed-sample floor, also used as the cycle's
// minimum batch size.
func (p Policy) MinSamples() int { return p.minSamples }

// MinTotal returns the lifetime-outcome floor.
func (p Policy) MinTotal() int { return p.minTotal }

// Remaining estimates how many more outcomes are needed before the policy can
// fire. It assumes every new outcome stays unconsumed.
func (p Policy) Remaining(totalWithOutcomes, unconsumedWithOutcomes int) int {
	need := max(p.minSamples-unconsumedWithOutcomes, p.minTotal-totalWithOutcomes)
	return max(need, 0)
}
