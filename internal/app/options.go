package service

import (
	"time"

	repository "github.com/okian/feedbackloop/internal/adapters/repository"
	"github.com/okian/feedbackloop/internal/domain/accuracy"
	"github.com/okian/feedbackloop/internal/domain/training"
	"github.com/okian/feedbackloop/internal/domain/trigger"
	"github.com/okian/feedbackloop/pkg/logger"
)

// Cycle execution modes.
const (
	CycleModeInline = "inline"
	CycleModeAsync  = "async"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the record store. The service closes it on Stop.
// Defaults to a MemoryStore created at Start.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithTriggerPolicy sets when outcomes trigger a learning cycle. Its
// min_samples also floors every cycle.
func WithTriggerPolicy(p trigger.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithScorer sets the accuracy scorer.
func WithScorer(sc *accuracy.Scorer) Option {
	return func(s *Service) {
		if sc != nil {
			s.scorer = sc
		}
	}
}

// WithTrainer sets the model trainer.
func WithTrainer(t *training.Trainer) Option {
	return func(s *Service) {
		if t != nil {
			s.trainer = t
		}
	}
}

// WithLatestAlgorithmVersion sets the algorithm_version tag the feature
// extractor treats as the latest generation.
func WithLatestAlgorithmVersion(v string) Option {
	return func(s *Service) {
		s.latestVersion = v
	}
}

// WithCycleMode selects inline or async cycle execution.
func WithCycleMode(mode string) Option {
	return func(s *Service) {
		if mode == CycleModeInline || mode == CycleModeAsync {
			s.cycleMode = mode
		}
	}
}

// WithWorkerCount sets the number of async cycle workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the async cycle queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many cycle request keys are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithCycleBatchSize caps how many pending records a cycle fetches.
// Zero or less fetches all of them.
func WithCycleBatchSize(n int) Option {
	return func(s *Service) {
		s.batchSize = n
	}
}

// WithHistoryLimit caps the improvement history returned by GetStats.
// Zero or less returns all of it.
func WithHistoryLimit(n int) Option {
	return func(s *Service) {
		s.historyLimit = n
	}
}

// WithCycleTimeout bounds a single async cycle. Zero means no bound.
func WithCycleTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.cycleTimeout = d
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
