package training

import "github.com/okian/feedbackloop/pkg/logger"

// Default trainer configuration.
const (
	DefaultMinSamples   = 5
	DefaultEnsembleSize = 16
	DefaultLambda       = 0.01
	DefaultSeed         = 42
)

// Option applies a configuration option to the Trainer.
type Option func(*Trainer)

// WithMinSamples sets the minimum labelled samples required to fit a metric.
func WithMinSamples(n int) Option {
	return func(t *Trainer) {
		if n >= 2 {
			t.minSamples = n
		}
	}
}

// WithEnsembleSize sets the number of bootstrap members per metric.
func WithEnsembleSize(n int) Option {
	return func(t *Trainer) {
		if n > 0 {
			t.ensembleSize = n
		}
	}
}

// WithLambda sets the L2 penalty applied to feature weights.
func WithLambda(lambda float64) Option {
	return func(t *Trainer) {
		if lambda >= 0 {
			t.lambda = lambda
		}
	}
}

// WithSeed sets the bootstrap sampling seed.
func WithSeed(seed int64) Option {
	return func(t *Trainer) {
		t.seed = seed
	}
}

// WithLogger sets the trainer's logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Trainer) {
		if l != nil {
			t.logger = l
		}
	}
}
