package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	model "github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/pkg/logger"
	"github.com/okian/feedbackloop/pkg/metrics"
)

const defaultMetricsUpdateInterval = 5 * time.Second

// MemoryStore is an in-process Store. A single mutex guards records and the
// aggregate, so every mutation is atomic with respect to the others.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.PredictionRecord
	stats   model.LearningStats
	cycles  map[string]struct{}

	metricsUpdateInterval time.Duration
	logger                logger.Logger
	cancel                context.CancelFunc
	done                  chan struct{}
	closeOnce             sync.Once
}

// NewMemoryStore creates an empty MemoryStore. A background goroutine keeps
// the pending-records gauge current until Close or ctx cancellation.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		records:               make(map[string]*model.PredictionRecord),
		cycles:                make(map[string]struct{}),
		metricsUpdateInterval: defaultMetricsUpdateInterval,
		done:                  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("memory_store")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.runMetricsUpdater(ctx)
	return s
}

func (s *MemoryStore) runMetricsUpdater(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.metricsUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c, err := s.Counts(ctx); err == nil {
				metrics.UpdatePendingRecords(c.Pending)
			}
		}
	}
}

// Close stops the background updater.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// PutPrediction implements Store.
func (s *MemoryStore) PutPrediction(_ context.Context, rec model.PredictionRecord) (err error) {
	defer func(start time.Time) { observe(opPut, start, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.AnalysisID]; ok {
		return fmt.Errorf("%s: %w", rec.AnalysisID, ErrDuplicateKey)
	}
	stored := rec.Clone()
	stored.Status = model.StatusAwaitingOutcome
	stored.Outcome = nil
	stored.Accuracy = nil
	stored.LearningCycleID = ""
	s.records[rec.AnalysisID] = &stored
	return nil
}

// GetPrediction implements Store.
func (s *MemoryStore) GetPrediction(_ context.Context, analysisID string) (rec model.PredictionRecord, err error) {
	defer func(start time.Time) { observe(opGet, start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[analysisID]
	if !ok {
		return model.PredictionRecord{}, fmt.Errorf("%s: %w", analysisID, ErrNotFound)
	}
	return r.Clone(), nil
}

// UpdateOutcome implements Store.
func (s *MemoryStore) UpdateOutcome(
	_ context.Context, analysisID string, outcome model.Outcome, acc model.AccuracyScore,
) (err error) {
	defer func(start time.Time) { observe(opOutcome, start, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[analysisID]
	if !ok {
		return fmt.Errorf("%s: %w", analysisID, ErrNotFound)
	}
	if !r.Status.CanAdvanceTo(model.StatusOutcomeRecorded) {
		return fmt.Errorf("%s is %s: %w", analysisID, r.Status, ErrInvalidTransition)
	}
	tmp := model.PredictionRecord{Outcome: &outcome, Accuracy: &acc}
	tmp = tmp.Clone()
	r.Outcome = tmp.Outcome
	r.Accuracy = tmp.Accuracy
	r.Status = model.StatusOutcomeRecorded
	return nil
}

// ListUnconsumedWithOutcomes implements Store.
func (s *MemoryStore) ListUnconsumedWithOutcomes(_ context.Context, limit int) (out []model.PredictionRecord, err error) {
	defer func(start time.Time) { observe(opList, start, err) }(time.Now())

	s.mu.RLock()
	pending := make([]*model.PredictionRecord, 0)
	for _, r := range s.records {
		if r.Status == model.StatusOutcomeRecorded {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.PredictedAt.Equal(b.PredictedAt) {
			return a.PredictedAt.Before(b.PredictedAt)
		}
		return a.AnalysisID < b.AnalysisID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out = make([]model.PredictionRecord, len(pending))
	for i, r := range pending {
		out[i] = r.Clone()
	}
	s.mu.RUnlock()
	return out, nil
}

// MarkConsumed implements Store.
func (s *MemoryStore) MarkConsumed(_ context.Context, ids []string, cycleID string) (moved []string, err error) {
	defer func(start time.Time) { observe(opConsume, start, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(ids, cycleID), nil
}

func (s *MemoryStore) consumeLocked(ids []string, cycleID string) []string {
	moved := make([]string, 0, len(ids))
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok || !r.Status.CanAdvanceTo(model.StatusUsedForLearning) {
			continue
		}
		r.Status = model.StatusUsedForLearning
		r.LearningCycleID = cycleID
		moved = append(moved, id)
	}
	return moved
}

// CommitCycle implements Store.
func (s *MemoryStore) CommitCycle(ctx context.Context, report *model.CycleReport) (err error) {
	defer func(start time.Time) { observe(opCommit, start, err) }(time.Now())

	if len(report.AnalysisIDs) == 0 {
		return ErrEmptyCycle
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.cycles[report.CycleID]; done {
		s.logger.Debug(ctx, "cycle already committed", logger.String("cycle_id", report.CycleID))
		return nil
	}
	for _, id := range report.AnalysisIDs {
		r, ok := s.records[id]
		if !ok {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if r.Status != model.StatusOutcomeRecorded {
			return fmt.Errorf("%s is %s: %w", id, r.Status, ErrCycleSuperseded)
		}
	}
	s.consumeLocked(report.AnalysisIDs, report.CycleID)
	s.cycles[report.CycleID] = struct{}{}
	s.stats.ApplyCycle(report)
	return nil
}

// Counts implements Store.
func (s *MemoryStore) Counts(_ context.Context) (c Counts, err error) {
	defer func(start time.Time) { observe(opCounts, start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countsLocked(), nil
}

func (s *MemoryStore) countsLocked() Counts {
	c := Counts{TotalPredictions: len(s.records)}
	for _, r := range s.records {
		if r.Status.HasAccuracy() {
			c.TotalWithOutcomes++
		}
		if r.Status == model.StatusOutcomeRecorded {
			c.Pending++
		}
	}
	return c
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (st model.LearningStats, err error) {
	defer func(start time.Time) { observe(opStats, start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	st = s.stats.Clone()
	c := s.countsLocked()
	st.TotalPredictions = c.TotalPredictions
	st.TotalWithOutcomes = c.TotalWithOutcomes
	st.PendingOutcomes = c.Pending
	return st, nil
}
