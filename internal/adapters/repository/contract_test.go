package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/pkg/logger"
)

func init() {
	_ = logger.InitWithWriter(io.Discard)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRecord(id string, offset int) model.PredictionRecord {
	return model.PredictionRecord{
		AnalysisID:       id,
		SubjectReference: "site " + id,
		PredictedAt:      epoch.Add(time.Duration(offset) * time.Minute),
		Predictions: model.Predictions{
			SuccessProbability: model.Float(70),
			RevenuePrediction:  model.RevenuePrediction{MonthlyBase: model.Float(4000)},
			RiskAssessment:     model.RiskAssessment{RiskScore: model.Float(30)},
			Advantages:         []string{"parking"},
			AlgorithmVersion:   "2.0",
		},
	}
}

func outcomeFor() (model.Outcome, model.AccuracyScore) {
	return model.Outcome{BusinessSuccessful: true, ActualMonthlyRevenue: 4200, RecordedAt: epoch},
		model.AccuracyScore{SuccessProbability: model.Float(0.7), Overall: 0.7}
}

func seedScored(t *testing.T, st Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("rec-%02d", i)
		require.NoError(t, st.PutPrediction(ctx, newRecord(ids[i], n-i)))
		o, a := outcomeFor()
		require.NoError(t, st.UpdateOutcome(ctx, ids[i], o, a))
	}
	return ids
}

func cycleReport(id string, ids []string) *model.CycleReport {
	return &model.CycleReport{
		CycleID:     id,
		StartedAt:   epoch,
		CompletedAt: epoch.Add(time.Second),
		SampleCount: len(ids),
		AnalysisIDs: ids,
		Metrics: map[model.Metric]model.MetricReport{
			model.MetricSuccessProbability: {Samples: len(ids), Baseline: 0.7, FittedMean: 0.71, Improvement: 0.01, Fitted: true},
		},
	}
}

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) { //nolint:funlen,maintidx // one table of behaviours
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		st := open(t)
		rec := newRecord("a-1", 0)
		rec.SubmissionID = "sub-1"
		rec.Status = model.StatusUsedForLearning
		require.NoError(t, st.PutPrediction(ctx, rec))

		got, err := st.GetPrediction(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusAwaitingOutcome, got.Status)
		assert.Equal(t, "site a-1", got.SubjectReference)
		assert.Equal(t, "sub-1", got.SubmissionID)
		assert.True(t, got.PredictedAt.Equal(rec.PredictedAt))
		assert.InDelta(t, 70.0, *got.Predictions.SuccessProbability, 1e-12)
		assert.Equal(t, []string{"parking"}, got.Predictions.Advantages)
		assert.Nil(t, got.Outcome)
		assert.Nil(t, got.Accuracy)
	})

	t.Run("duplicate key", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.PutPrediction(ctx, newRecord("a-1", 0)))
		changed := newRecord("a-1", 5)
		changed.SubjectReference = "other"
		err := st.PutPrediction(ctx, changed)
		require.ErrorIs(t, err, ErrDuplicateKey)

		got, err := st.GetPrediction(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, "site a-1", got.SubjectReference)
	})

	t.Run("concurrent inserts of one id", func(t *testing.T) {
		st := open(t)
		var ok, dup atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := st.PutPrediction(ctx, newRecord("race", 0))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrDuplicateKey):
					dup.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(15), dup.Load())
	})

	t.Run("not found", func(t *testing.T) {
		st := open(t)
		_, err := st.GetPrediction(ctx, "ghost")
		require.ErrorIs(t, err, ErrNotFound)

		o, a := outcomeFor()
		require.ErrorIs(t, st.UpdateOutcome(ctx, "ghost", o, a), ErrNotFound)

		c, err := st.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{}, c)
	})

	t.Run("outcome transition is single shot", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.PutPrediction(ctx, newRecord("a-1", 0)))
		o, a := outcomeFor()
		require.NoError(t, st.UpdateOutcome(ctx, "a-1", o, a))

		worse := model.AccuracyScore{SuccessProbability: model.Float(0.1), Overall: 0.1}
		require.ErrorIs(t, st.UpdateOutcome(ctx, "a-1", o, worse), ErrInvalidTransition)

		got, err := st.GetPrediction(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusOutcomeRecorded, got.Status)
		require.NotNil(t, got.Accuracy)
		assert.InDelta(t, 0.7, got.Accuracy.Overall, 1e-12)
		require.NotNil(t, got.Outcome)
		assert.InDelta(t, 4200.0, got.Outcome.ActualMonthlyRevenue, 1e-9)
	})

	t.Run("concurrent outcomes for one id", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.PutPrediction(ctx, newRecord("a-1", 0)))
		var ok, invalid atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o, a := outcomeFor()
				err := st.UpdateOutcome(ctx, "a-1", o, a)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrInvalidTransition):
					invalid.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(15), invalid.Load())
	})

	t.Run("list unconsumed is ordered by predicted_at", func(t *testing.T) {
		st := open(t)
		seedScored(t, st, 5)
		require.NoError(t, st.PutPrediction(ctx, newRecord("waiting", -10)))

		all, err := st.ListUnconsumedWithOutcomes(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].PredictedAt.Before(all[i-1].PredictedAt))
		}
		assert.Equal(t, "rec-04", all[0].AnalysisID)

		capped, err := st.ListUnconsumedWithOutcomes(ctx, 2)
		require.NoError(t, err)
		require.Len(t, capped, 2)
		assert.Equal(t, all[0].AnalysisID, capped[0].AnalysisID)
		assert.Equal(t, all[1].AnalysisID, capped[1].AnalysisID)
	})

	t.Run("mark consumed is conditional and idempotent", func(t *testing.T) {
		st := open(t)
		ids := seedScored(t, st, 3)
		require.NoError(t, st.PutPrediction(ctx, newRecord("waiting", 0)))

		moved, err := st.MarkConsumed(ctx, append([]string{"ghost", "waiting"}, ids...), "c-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, ids, moved)

		again, err := st.MarkConsumed(ctx, ids, "c-2")
		require.NoError(t, err)
		assert.Empty(t, again)

		got, err := st.GetPrediction(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, model.StatusUsedForLearning, got.Status)
		assert.Equal(t, "c-1", got.LearningCycleID)
		assert.NotNil(t, got.Accuracy)

		waiting, err := st.GetPrediction(ctx, "waiting")
		require.NoError(t, err)
		assert.Equal(t, model.StatusAwaitingOutcome, waiting.Status)

		o, a := outcomeFor()
		require.ErrorIs(t, st.UpdateOutcome(ctx, ids[0], o, a), ErrInvalidTransition)
	})

	t.Run("stats start zeroed", func(t *testing.T) {
		st := open(t)
		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.TotalPredictions)
		assert.Equal(t, 0, stats.CyclesCompleted)
		assert.NotNil(t, stats.ImprovementHistory)
		assert.Empty(t, stats.ImprovementHistory)
		assert.Nil(t, stats.ModelPerformance.LastUpdate)
	})

	t.Run("commit cycle", func(t *testing.T) {
		st := open(t)
		ids := seedScored(t, st, 4)
		require.NoError(t, st.PutPrediction(ctx, newRecord("waiting", 0)))

		report := cycleReport("c-1", ids)
		require.NoError(t, st.CommitCycle(ctx, report))

		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, stats.TotalPredictions)
		assert.Equal(t, 4, stats.TotalWithOutcomes)
		assert.Equal(t, 0, stats.PendingOutcomes)
		assert.Equal(t, 1, stats.CyclesCompleted)
		require.Len(t, stats.ImprovementHistory, 1)
		assert.Equal(t, "c-1", stats.ImprovementHistory[0].CycleID)
		assert.ElementsMatch(t, ids, stats.ImprovementHistory[0].AnalysisIDs)
		require.NotNil(t, stats.ModelPerformance.LastUpdate)
		assert.True(t, stats.ModelPerformance.LastUpdate.Equal(report.CompletedAt))
		assert.InDelta(t, 0.7, stats.ModelPerformance.ByMetric[model.MetricSuccessProbability].MeanAccuracy, 1e-12)

		for _, id := range ids {
			got, err := st.GetPrediction(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.StatusUsedForLearning, got.Status)
			assert.Equal(t, "c-1", got.LearningCycleID)
		}

		// Redelivery of the same cycle is absorbed.
		require.NoError(t, st.CommitCycle(ctx, report))
		stats, err = st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.CyclesCompleted)
		assert.Len(t, stats.ImprovementHistory, 1)
	})

	t.Run("commit cycle is all or nothing", func(t *testing.T) {
		st := open(t)
		ids := seedScored(t, st, 4)
		require.NoError(t, st.CommitCycle(ctx, cycleReport("c-1", ids[:2])))

		err := st.CommitCycle(ctx, cycleReport("c-2", ids))
		require.ErrorIs(t, err, ErrCycleSuperseded)

		for _, id := range ids[2:] {
			got, err := st.GetPrediction(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.StatusOutcomeRecorded, got.Status)
			assert.Empty(t, got.LearningCycleID)
		}
		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.CyclesCompleted)
		assert.Equal(t, 2, stats.PendingOutcomes)

		require.ErrorIs(t, st.CommitCycle(ctx, cycleReport("c-3", []string{"ghost"})), ErrNotFound)
		require.ErrorIs(t, st.CommitCycle(ctx, cycleReport("c-4", nil)), ErrEmptyCycle)
	})

	t.Run("concurrent commits consume each record once", func(t *testing.T) {
		st := open(t)
		ids := seedScored(t, st, 12)
		var ok, superseded atomic.Int32
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := st.CommitCycle(ctx, cycleReport(fmt.Sprintf("c-%d", i), ids))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrCycleSuperseded):
					superseded.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(7), superseded.Load())

		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.CyclesCompleted)
		require.Len(t, stats.ImprovementHistory, 1)
		assert.Len(t, stats.ImprovementHistory[0].AnalysisIDs, 12)
	})
}
