// Package service provides the learning orchestrator: it records predictions
// and outcomes, scores accuracy and drives learning cycles over the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cyclequeue "github.com/okian/feedbackloop/internal/adapters/mq/queue"
	workerpool "github.com/okian/feedbackloop/internal/adapters/mq/worker"
	repository "github.com/okian/feedbackloop/internal/adapters/repository"
	"github.com/okian/feedbackloop/internal/domain/accuracy"
	"github.com/okian/feedbackloop/internal/domain/dedupe"
	"github.com/okian/feedbackloop/internal/domain/features"
	"github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/internal/domain/training"
	"github.com/okian/feedbackloop/internal/domain/trigger"
	"github.com/okian/feedbackloop/pkg/logger"
	"github.com/okian/feedbackloop/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	defaultWorkerCount = 2
	defaultQueueSize   = 64
	defaultDedupeSize  = 1024
	defaultLatest      = "2.0"

	cycleFlightKey = "learning-cycle"

	// maxCycleRounds bounds the follow-up cycles one trigger may run.
	maxCycleRounds = 8
)

// Service implements the learning loop over a record store.
type Service struct {
	mu sync.RWMutex

	// Core components
	store     repository.Store
	scorer    *accuracy.Scorer
	policy    trigger.Policy
	extractor features.Extractor
	trainer   *training.Trainer

	// Async cycle components
	deduper dedupe.Deduper
	queue   cyclequeue.Queue
	pool    *workerpool.Pool

	// Configuration
	latestVersion string
	cycleMode     string
	workerCount   int
	queueSize     int
	dedupeSize    int
	batchSize     int
	historyLimit  int
	cycleTimeout  time.Duration

	// State
	started    bool
	stopping   bool
	cycles     singleflight.Group
	generation atomic.Int64
	models     atomic.Pointer[training.Models]

	now    func() time.Time
	logger logger.Logger
}

// New constructs a new Service. Components not supplied through options are
// created by Start.
func New(opts ...Option) *Service {
	s := &Service{
		policy:        trigger.New(),
		latestVersion: defaultLatest,
		cycleMode:     CycleModeInline,
		workerCount:   defaultWorkerCount,
		queueSize:     defaultQueueSize,
		dedupeSize:    defaultDedupeSize,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes the service components. In async mode it also starts
// the cycle worker pool, which runs until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore(ctx)
		s.logger.Info(ctx, "using in-memory record store")
	}
	if s.scorer == nil {
		s.scorer = accuracy.New()
	}
	if s.trainer == nil {
		s.trainer = training.New()
	}
	s.extractor = features.New(s.latestVersion)

	if s.cycleMode == CycleModeAsync {
		s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
		q := cyclequeue.NewInMemoryQueue(cyclequeue.WithCapacity(s.queueSize))
		s.queue = q
		s.pool = workerpool.NewPool(s.workerCount, q, s,
			workerpool.WithWorkerOptions(workerpool.WithTimeout(s.cycleTimeout)),
		)
		s.pool.Start(ctx)
	}

	s.started = true
	s.logger.Info(ctx, "learning loop started",
		logger.String("cycle_mode", s.cycleMode),
		logger.Int("min_samples", s.policy.MinSamples()),
		logger.Int("min_total", s.policy.MinTotal()),
		logger.Int("batch_size", s.batchSize),
	)
	return nil
}

// Stop drains the cycle queue, if any, and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	pool := s.pool
	s.mu.Unlock()

	s.logger.Info(ctx, "stopping learning loop...")

	var errs []error
	if pool != nil {
		if err := pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.started, s.stopping = false, false

	s.logger.Info(ctx, "learning loop stopped")
	return errors.Join(errs...)
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// RecordPrediction stores rec as awaiting its outcome. A retried submission
// carrying the same non-empty SubmissionID as the stored record is
// acknowledged as a replay instead of failing with ErrDuplicateKey.
func (s *Service) RecordPrediction(ctx context.Context, rec model.PredictionRecord) (model.Receipt, error) {
	if err := s.ready(); err != nil {
		return model.Receipt{}, err
	}
	rec.AnalysisID = strings.TrimSpace(rec.AnalysisID)
	if err := rec.Validate(); err != nil {
		return model.Receipt{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if rec.PredictedAt.IsZero() {
		rec.PredictedAt = s.now().UTC()
	}
	rec.Status = model.StatusAwaitingOutcome
	rec.Outcome, rec.Accuracy, rec.LearningCycleID = nil, nil, ""

	receipt := model.Receipt{Accepted: true, AnalysisID: rec.AnalysisID}

	if err := s.store.PutPrediction(ctx, rec); err != nil {
		if !errors.Is(err, repository.ErrDuplicateKey) {
			s.logger.Error(ctx, "failed to store prediction",
				logger.String("analysis_id", rec.AnalysisID), logger.Error(err))
			return model.Receipt{}, err
		}
		if !s.isPredictionReplay(ctx, &rec) {
			metrics.RecordPredictionDuplicate()
			return model.Receipt{}, err
		}
		metrics.RecordSubmissionReplayed("prediction")
		receipt.Replayed = true
	} else {
		metrics.RecordPrediction()
	}

	if c, err := s.store.Counts(ctx); err != nil {
		s.logger.Warn(ctx, "cycle estimate unavailable", logger.Error(err))
	} else {
		receipt.OutcomesUntilNextCycle = s.policy.Remaining(c.TotalWithOutcomes, c.Pending)
		metrics.UpdatePendingRecords(c.Pending)
	}
	if m := s.models.Load(); m != nil {
		receipt.ExpectedAccuracy = m.Predict(s.extractor.Features(rec.Predictions))
	}
	return receipt, nil
}

func (s *Service) isPredictionReplay(ctx context.Context, rec *model.PredictionRecord) bool {
	if rec.SubmissionID == "" {
		return false
	}
	stored, err := s.store.GetPrediction(ctx, rec.AnalysisID)
	return err == nil && stored.SubmissionID == rec.SubmissionID
}

// GetPrediction returns the stored record with its outcome and accuracy.
func (s *Service) GetPrediction(ctx context.Context, analysisID string) (model.PredictionRecord, error) {
	if err := s.ready(); err != nil {
		return model.PredictionRecord{}, err
	}
	return s.store.GetPrediction(ctx, strings.TrimSpace(analysisID))
}

// RecordOutcome scores outcome against the stored prediction, persists both
// and then consults the trigger policy. In inline mode a firing trigger runs
// the cycle before returning; in async mode it queues one. A cycle that
// cannot run does not fail the outcome, which is already stored.
func (s *Service) RecordOutcome(ctx context.Context, analysisID string, outcome model.Outcome) (model.OutcomeResult, error) {
	if err := s.ready(); err != nil {
		return model.OutcomeResult{}, err
	}
	analysisID = strings.TrimSpace(analysisID)
	if analysisID == "" {
		return model.OutcomeResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, model.ErrMissingAnalysisID)
	}
	if err := outcome.Validate(); err != nil {
		return model.OutcomeResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = s.now().UTC()
	}

	rec, err := s.store.GetPrediction(ctx, analysisID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.RecordOutcomeRejected("not_found")
		}
		return model.OutcomeResult{}, err
	}
	if rec.Status != model.StatusAwaitingOutcome {
		return s.rejectOrReplay(ctx, &rec, &outcome)
	}

	acc := s.scorer.Score(rec.Predictions, outcome)
	if err := s.store.UpdateOutcome(ctx, analysisID, outcome, acc); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			if cur, gerr := s.store.GetPrediction(ctx, analysisID); gerr == nil {
				return s.rejectOrReplay(ctx, &cur, &outcome)
			}
		}
		if errors.Is(err, repository.ErrPersistence) {
			s.logger.Error(ctx, "failed to store outcome",
				logger.String("analysis_id", analysisID), logger.Error(err))
		}
		return model.OutcomeResult{}, err
	}

	metrics.RecordOutcome()
	for _, m := range model.TrackedMetrics {
		if v, ok := acc.Metric(m); ok {
			metrics.RecordAccuracy(string(m), v)
		}
	}

	res := model.OutcomeResult{Accepted: true, AnalysisID: analysisID, Accuracy: acc}
	s.afterOutcome(ctx, &res)
	return res, nil
}

// rejectOrReplay handles an outcome for a record that already has one.
func (s *Service) rejectOrReplay(ctx context.Context, rec *model.PredictionRecord, o *model.Outcome) (model.OutcomeResult, error) {
	if o.SubmissionID != "" && rec.Outcome != nil && rec.Outcome.SubmissionID == o.SubmissionID && rec.Accuracy != nil {
		metrics.RecordSubmissionReplayed("outcome")
		return model.OutcomeResult{
			Accepted:   true,
			AnalysisID: rec.AnalysisID,
			Accuracy:   *rec.Accuracy,
			Replayed:   true,
		}, nil
	}
	metrics.RecordOutcomeRejected("invalid_transition")
	s.logger.Debug(ctx, "outcome already recorded",
		logger.String("analysis_id", rec.AnalysisID),
		logger.String("status", string(rec.Status)),
	)
	return model.OutcomeResult{}, fmt.Errorf("outcome for %s: %w", rec.AnalysisID, repository.ErrInvalidTransition)
}

func (s *Service) afterOutcome(ctx context.Context, res *model.OutcomeResult) {
	c, err := s.store.Counts(ctx)
	if err != nil {
		s.logger.Warn(ctx, "trigger check skipped", logger.Error(err))
		return
	}
	metrics.UpdatePendingRecords(c.Pending)
	if !s.policy.ShouldTrigger(c.TotalWithOutcomes, c.Pending) {
		return
	}

	if s.cycleMode == CycleModeAsync {
		res.CycleTriggered = true
		res.CycleQueued = s.enqueueCycle(ctx, res.AnalysisID)
		return
	}

	report, err := s.runTriggered(ctx, res.AnalysisID)
	if report != nil {
		res.CycleTriggered = true
		res.CycleReport = report
	}
	switch {
	case err == nil, errors.Is(err, ErrInsufficientData), errors.Is(err, repository.ErrCycleSuperseded):
		// Another cycle took the pending records first.
	default:
		s.logger.Error(ctx, "inline learning cycle failed",
			logger.String("analysis_id", res.AnalysisID), logger.Error(err))
	}
}

// runTriggered runs cycles until the trigger policy stops firing. A caller
// that joined a cycle already in flight may find its own record still
// pending afterwards, so the policy is consulted again after every
// successful run. The returned report is the one that consumed analysisID
// when there is one, otherwise the first completed.
func (s *Service) runTriggered(ctx context.Context, analysisID string) (*model.CycleReport, error) {
	// The outcome is stored; the follow-up check must not depend on the caller staying.
	ctx = context.WithoutCancel(ctx)

	var report *model.CycleReport
	for round := 0; round < maxCycleRounds; round++ {
		rep, _, err := s.runShared(ctx)
		if err != nil {
			return report, err
		}
		if report == nil || slices.Contains(rep.AnalysisIDs, analysisID) {
			report = rep
		}

		more, err := s.stillTriggered(ctx)
		if err != nil || !more {
			return report, err
		}
		s.logger.Debug(ctx, "trigger still firing after cycle",
			logger.String("analysis_id", analysisID), logger.Int("round", round+1))
	}
	return report, nil
}

// stillTriggered re-reads the counts and consults the trigger policy.
func (s *Service) stillTriggered(ctx context.Context) (bool, error) {
	c, err := s.store.Counts(ctx)
	if err != nil {
		return false, err
	}
	metrics.UpdatePendingRecords(c.Pending)
	return s.policy.ShouldTrigger(c.TotalWithOutcomes, c.Pending), nil
}

func (s *Service) cycleKey(gen int64) string {
	return "cycle-after-" + strconv.FormatInt(gen, 10)
}

// enqueueCycle queues one cycle request per completed-cycle generation.
// Triggers arriving while a request for the current generation is pending
// coalesce into it.
func (s *Service) enqueueCycle(ctx context.Context, triggeredBy string) bool {
	gen := s.generation.Load()
	key := s.cycleKey(gen)
	if s.deduper.SeenAndRecord(ctx, key) {
		metrics.RecordQueueCoalesced()
		return true
	}

	req := model.CycleRequest{
		RequestID:   uuid.NewString(),
		Generation:  int(gen),
		TriggeredBy: triggeredBy,
		RequestedAt: s.now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		s.deduper.Unrecord(ctx, key)
		s.logger.Warn(ctx, "learning cycle not queued",
			logger.String("triggered_by", triggeredBy), logger.Error(err))
		return false
	}
	return true
}

// HandleCycle runs a queued cycle request. Expected outcomes such as
// insufficient data or a superseded cycle are not errors. When enough
// outcomes arrived during the run to fire the trigger again, a follow-up
// request is queued.
func (s *Service) HandleCycle(ctx context.Context, req model.CycleRequest) error {
	_, _, err := s.runShared(ctx)
	if err != nil {
		// Allow a later trigger for this generation to queue again.
		s.deduper.Unrecord(ctx, s.cycleKey(int64(req.Generation)))
	}
	switch {
	case err == nil:
		if more, cerr := s.stillTriggered(ctx); cerr != nil {
			s.logger.Warn(ctx, "trigger re-check skipped", logger.Error(cerr))
		} else if more {
			s.enqueueCycle(ctx, req.TriggeredBy)
		}
		return nil
	case errors.Is(err, ErrInsufficientData), errors.Is(err, repository.ErrCycleSuperseded):
		s.logger.Debug(ctx, "queued cycle skipped",
			logger.String("request_id", req.RequestID), logger.Error(err))
		return nil
	default:
		return err
	}
}

// RunCycle fetches pending records, trains on them and commits the cycle.
// Concurrent callers in this process share one run. Across processes the
// store lets exactly one of several overlapping cycles commit; the others
// fail with ErrCycleSuperseded and change nothing.
func (s *Service) RunCycle(ctx context.Context) (*model.CycleReport, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	report, _, err := s.runShared(ctx)
	return report, err
}

// runShared runs one cycle on behalf of every concurrent caller. The run is
// detached from the caller that started it, so cancelling one caller does
// not fail the others; the cycle timeout still applies.
func (s *Service) runShared(ctx context.Context) (*model.CycleReport, bool, error) {
	v, err, shared := s.cycles.Do(cycleFlightKey, func() (any, error) {
		cctx := context.WithoutCancel(ctx)
		if s.cycleTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(cctx, s.cycleTimeout)
			defer cancel()
		}
		return s.runCycle(cctx)
	})
	if err != nil {
		return nil, shared, err
	}
	report, _ := v.(*model.CycleReport)
	if shared {
		clone := report.Clone()
		return &clone, true, nil
	}
	return report, false, nil
}

func (s *Service) runCycle(ctx context.Context) (*model.CycleReport, error) {
	start := s.now().UTC()

	records, err := s.store.ListUnconsumedWithOutcomes(ctx, s.batchSize)
	if err != nil {
		metrics.RecordCycle("failed")
		return nil, err
	}
	if len(records) < s.policy.MinSamples() {
		metrics.RecordCycle("insufficient_data")
		s.logger.Debug(ctx, "learning cycle skipped",
			logger.Int("pending", len(records)),
			logger.Int("min_samples", s.policy.MinSamples()),
		)
		return nil, fmt.Errorf("%w: %d pending, need %d", ErrInsufficientData, len(records), s.policy.MinSamples())
	}

	ds := s.extractor.Build(records)
	res, err := s.trainer.Train(ctx, ds)
	if err != nil {
		metrics.RecordCycle("failed")
		return nil, err
	}

	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].AnalysisID
	}
	report := &model.CycleReport{
		CycleID:     uuid.NewString(),
		StartedAt:   start,
		CompletedAt: s.now().UTC(),
		SampleCount: len(records),
		AnalysisIDs: ids,
		Metrics:     res.Reports,
	}

	if err := s.store.CommitCycle(ctx, report); err != nil {
		if errors.Is(err, repository.ErrCycleSuperseded) {
			metrics.RecordCycle("superseded")
			s.logger.Debug(ctx, "learning cycle superseded", logger.String("cycle_id", report.CycleID))
			return nil, err
		}
		metrics.RecordCycle("failed")
		s.logger.Error(ctx, "failed to commit learning cycle",
			logger.String("cycle_id", report.CycleID), logger.Error(err))
		return nil, err
	}

	models := res.Models
	s.models.Store(&models)
	s.generation.Add(1)

	metrics.RecordCycle("completed")
	metrics.RecordCycleDuration(float64(report.CompletedAt.Sub(start).Milliseconds()))
	metrics.RecordRecordsConsumed(len(ids))
	for m, d := range report.Improvements() {
		metrics.UpdateImprovement(string(m), d)
	}
	s.logger.Info(ctx, "learning cycle completed",
		logger.String("cycle_id", report.CycleID),
		logger.Int("samples", report.SampleCount),
		logger.Any("improvements", report.Improvements()),
		logger.Duration("took", report.CompletedAt.Sub(start)),
	)
	return report, nil
}

// GetStats returns a snapshot of the learning aggregate with its strength
// label. The improvement history is trimmed to the most recent entries when
// a history limit is configured. A service that is not running has learned
// nothing and reports zeroed stats.
func (s *Service) GetStats(ctx context.Context) (model.LearningStats, error) {
	if err := s.ready(); err != nil {
		return normalizeStats(model.LearningStats{}, 0), nil
	}
	st, err := s.store.Stats(ctx)
	if err != nil {
		return model.LearningStats{}, err
	}
	st = normalizeStats(st, s.historyLimit)

	metrics.UpdateCyclesCompleted(st.CyclesCompleted)
	metrics.UpdatePendingRecords(st.PendingOutcomes)
	return st, nil
}

func normalizeStats(st model.LearningStats, historyLimit int) model.LearningStats {
	if st.ImprovementHistory == nil {
		st.ImprovementHistory = []model.CycleReport{}
	}
	if st.ModelPerformance.ByMetric == nil {
		st.ModelPerformance.ByMetric = map[model.Metric]model.MetricPerformance{}
	}
	if historyLimit > 0 && len(st.ImprovementHistory) > historyLimit {
		st.ImprovementHistory = st.ImprovementHistory[len(st.ImprovementHistory)-historyLimit:]
	}
	st.Strength = model.StrengthLabel(st.CyclesCompleted)
	return st
}

// Info reports the service configuration and queue state for monitoring.
func (s *Service) Info() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := map[string]any{
		"started":     s.started,
		"cycle_mode":  s.cycleMode,
		"min_samples": s.policy.MinSamples(),
		"min_total":   s.policy.MinTotal(),
		"batch_size":  s.batchSize,
	}
	if s.started && s.queue != nil {
		info["queue_length"] = s.queue.Len()
		info["workers"] = s.pool.Size()
		info["cycles_processed"] = s.pool.Processed()
	}
	return info
}
