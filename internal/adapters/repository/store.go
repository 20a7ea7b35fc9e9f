// Package repository provides the record store for predictions, their
// outcomes and the learning aggregate.
package repository

import (
	"context"
	"time"

	model "github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/pkg/metrics"
)

// Counts are derived from the stored records.
type Counts struct {
	TotalPredictions  int
	TotalWithOutcomes int
	// Pending is the number of records in outcome_recorded.
	Pending int
}

// Store provides durable keyed storage for prediction records and the
// singleton learning aggregate. Implementations are safe for concurrent use.
type Store interface {
	// PutPrediction inserts rec with status awaiting_outcome.
	// Returns ErrDuplicateKey if the analysis id already exists.
	PutPrediction(ctx context.Context, rec model.PredictionRecord) error

	// GetPrediction returns the record or ErrNotFound.
	GetPrediction(ctx context.Context, analysisID string) (model.PredictionRecord, error)

	// UpdateOutcome attaches outcome and accuracy and moves the record to
	// outcome_recorded. Returns ErrNotFound for an unknown id and
	// ErrInvalidTransition unless the record is awaiting_outcome.
	UpdateOutcome(ctx context.Context, analysisID string, outcome model.Outcome, acc model.AccuracyScore) error

	// ListUnconsumedWithOutcomes returns outcome_recorded records ordered by
	// predicted_at ascending. limit <= 0 returns all of them.
	ListUnconsumedWithOutcomes(ctx context.Context, limit int) ([]model.PredictionRecord, error)

	// MarkConsumed moves the given ids from outcome_recorded to
	// used_for_learning under cycleID. Ids in any other status are left
	// untouched and are not an error. Returns the ids it moved.
	MarkConsumed(ctx context.Context, ids []string, cycleID string) ([]string, error)

	// CommitCycle atomically marks every id in report.AnalysisIDs consumed,
	// appends report to the improvement history and advances the aggregate.
	// It writes nothing and returns ErrCycleSuperseded if any id is no longer
	// outcome_recorded. Committing an already committed cycle id is a no-op.
	CommitCycle(ctx context.Context, report *model.CycleReport) error

	// Counts returns record counts by lifecycle stage.
	Counts(ctx context.Context) (Counts, error)

	// Stats returns the persisted aggregate together with the current counts.
	Stats(ctx context.Context) (model.LearningStats, error)

	Close() error
}

// observe records latency and failures of a store operation.
func observe(op string, start time.Time, err error) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		metrics.RecordStoreError(op)
	}
}

// Store operation names used in metrics.
const (
	opPut        = "put_prediction"
	opGet        = "get_prediction"
	opOutcome    = "update_outcome"
	opList       = "list_unconsumed"
	opConsume    = "mark_consumed"
	opCommit     = "commit_cycle"
	opCounts     = "counts"
	opStats      = "stats"
	opInitialize = "initialize"
)
