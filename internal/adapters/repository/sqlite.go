package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	model "github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/pkg/logger"
)

const defaultBusyTimeout = 5 * time.Second

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS predictions (
	analysis_id       TEXT PRIMARY KEY,
	subject_reference TEXT NOT NULL,
	predicted_at      INTEGER NOT NULL,
	predictions       TEXT NOT NULL,
	status            TEXT NOT NULL,
	outcome           TEXT,
	accuracy          TEXT,
	learning_cycle_id TEXT,
	submission_id     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_predictions_status_predicted_at
	ON predictions(status, predicted_at, analysis_id);

CREATE TABLE IF NOT EXISTS learning_stats (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	cycles_completed  INTEGER NOT NULL DEFAULT 0,
	model_performance TEXT,
	last_update       INTEGER
);

CREATE TABLE IF NOT EXISTS learning_cycles (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id     TEXT NOT NULL UNIQUE,
	completed_at INTEGER NOT NULL,
	report       TEXT NOT NULL
);
`

const selectRecord = `SELECT analysis_id, subject_reference, predicted_at, predictions, status,
	outcome, accuracy, learning_cycle_id, submission_id FROM predictions`

// SQLiteStore implements Store on modernc.org/sqlite. Every multi-row
// mutation runs in one transaction and every status change is a conditional
// update, so several processes may share one database file.
type SQLiteStore struct {
	db           *sql.DB
	busyTimeout  time.Duration
	maxOpenConns int
	logger       logger.Logger
}

// NewSQLite opens the database at dsn, applies pragmas and migrates the schema.
func NewSQLite(ctx context.Context, dsn string, opts ...SQLiteOption) (_ *SQLiteStore, err error) {
	defer func(start time.Time) { observe(opInitialize, start, err) }(time.Now())

	s := &SQLiteStore{busyTimeout: defaultBusyTimeout, maxOpenConns: 1}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("sqlite_store")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, persistence(err, "sqlite: open")
	}
	db.SetMaxOpenConns(s.maxOpenConns)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", s.busyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, persistence(err, "sqlite: exec "+pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, persistence(err, "sqlite: migrate")
	}
	s.db = db
	s.logger.Info(ctx, "sqlite store ready", logger.String("dsn", dsn))
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

// PutPrediction implements Store.
func (s *SQLiteStore) PutPrediction(ctx context.Context, rec model.PredictionRecord) (err error) {
	defer func(start time.Time) { observe(opPut, start, err) }(time.Now())

	preds, err := json.Marshal(rec.Predictions)
	if err != nil {
		return persistence(err, "sqlite: marshal predictions")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions (analysis_id, subject_reference, predicted_at, predictions, status, submission_id)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(analysis_id) DO NOTHING`,
		rec.AnalysisID, rec.SubjectReference, rec.PredictedAt.UnixNano(), string(preds),
		string(model.StatusAwaitingOutcome), rec.SubmissionID,
	)
	if err != nil {
		return persistence(err, "sqlite: insert prediction "+rec.AnalysisID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistence(err, "sqlite: rows affected")
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", rec.AnalysisID, ErrDuplicateKey)
	}
	return nil
}

// GetPrediction implements Store.
func (s *SQLiteStore) GetPrediction(ctx context.Context, analysisID string) (rec model.PredictionRecord, err error) {
	defer func(start time.Time) { observe(opGet, start, err) }(time.Now())

	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE analysis_id = ?`, analysisID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PredictionRecord{}, fmt.Errorf("%s: %w", analysisID, ErrNotFound)
	}
	if err != nil {
		return model.PredictionRecord{}, err
	}
	return *r, nil
}

// UpdateOutcome implements Store.
func (s *SQLiteStore) UpdateOutcome(
	ctx context.Context, analysisID string, outcome model.Outcome, acc model.AccuracyScore,
) (err error) {
	defer func(start time.Time) { observe(opOutcome, start, err) }(time.Now())

	outJSON, err := json.Marshal(outcome)
	if err != nil {
		return persistence(err, "sqlite: marshal outcome")
	}
	accJSON, err := json.Marshal(acc)
	if err != nil {
		return persistence(err, "sqlite: marshal accuracy")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE predictions SET status = ?, outcome = ?, accuracy = ?
		 WHERE analysis_id = ? AND status = ?`,
		string(model.StatusOutcomeRecorded), string(outJSON), string(accJSON),
		analysisID, string(model.StatusAwaitingOutcome),
	)
	if err != nil {
		return persistence(err, "sqlite: update outcome "+analysisID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistence(err, "sqlite: rows affected")
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM predictions WHERE analysis_id = ?`, analysisID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", analysisID, ErrNotFound)
	}
	if err != nil {
		return persistence(err, "sqlite: read status "+analysisID)
	}
	return fmt.Errorf("%s is %s: %w", analysisID, status, ErrInvalidTransition)
}

// ListUnconsumedWithOutcomes implements Store.
func (s *SQLiteStore) ListUnconsumedWithOutcomes(ctx context.Context, limit int) (out []model.PredictionRecord, err error) {
	defer func(start time.Time) { observe(opList, start, err) }(time.Now())

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		selectRecord+` WHERE status = ? ORDER BY predicted_at ASC, analysis_id ASC LIMIT ?`,
		string(model.StatusOutcomeRecorded), limit,
	)
	if err != nil {
		return nil, persistence(err, "sqlite: list unconsumed")
	}
	defer rows.Close()

	out = make([]model.PredictionRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err, "sqlite: list unconsumed iterate")
	}
	return out, nil
}

// MarkConsumed implements Store.
func (s *SQLiteStore) MarkConsumed(ctx context.Context, ids []string, cycleID string) (moved []string, err error) {
	defer func(start time.Time) { observe(opConsume, start, err) }(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	moved = make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := consume(ctx, tx, id, cycleID)
		if err != nil {
			return nil, err
		}
		if ok {
			moved = append(moved, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, persistence(err, "sqlite: commit mark consumed")
	}
	return moved, nil
}

func consume(ctx context.Context, tx *sql.Tx, id, cycleID string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE predictions SET status = ?, learning_cycle_id = ? WHERE analysis_id = ? AND status = ?`,
		string(model.StatusUsedForLearning), cycleID, id, string(model.StatusOutcomeRecorded),
	)
	if err != nil {
		return false, persistence(err, "sqlite: consume "+id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistence(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// CommitCycle implements Store. The cycle row is written first so the
// transaction takes the write lock before it reads anything.
func (s *SQLiteStore) CommitCycle(ctx context.Context, report *model.CycleReport) (err error) {
	defer func(start time.Time) { observe(opCommit, start, err) }(time.Now())

	if len(report.AnalysisIDs) == 0 {
		return ErrEmptyCycle
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return persistence(err, "sqlite: marshal report")
	}
	perfJSON, err := json.Marshal(model.PerformanceFrom(report))
	if err != nil {
		return persistence(err, "sqlite: marshal performance")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`INSERT INTO learning_cycles (cycle_id, completed_at, report) VALUES (?, ?, ?)
		 ON CONFLICT(cycle_id) DO NOTHING`,
		report.CycleID, report.CompletedAt.UnixNano(), string(reportJSON),
	)
	if err != nil {
		return persistence(err, "sqlite: insert cycle "+report.CycleID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return persistence(err, "sqlite: rows affected")
	} else if n == 0 {
		s.logger.Debug(ctx, "cycle already committed", logger.String("cycle_id", report.CycleID))
		return nil
	}

	for _, id := range report.AnalysisIDs {
		ok, err := consume(ctx, tx, id, report.CycleID)
		if err != nil {
			return err
		}
		if !ok {
			return s.supersededReason(ctx, tx, id)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO learning_stats (id, cycles_completed, model_performance, last_update) VALUES (1, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			cycles_completed = cycles_completed + 1,
			model_performance = excluded.model_performance,
			last_update = excluded.last_update`,
		string(perfJSON), report.CompletedAt.UnixNano(),
	); err != nil {
		return persistence(err, "sqlite: upsert learning stats")
	}

	if err := tx.Commit(); err != nil {
		return persistence(err, "sqlite: commit cycle")
	}
	return nil
}

func (s *SQLiteStore) supersededReason(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM predictions WHERE analysis_id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return persistence(err, "sqlite: read status "+id)
	}
	return fmt.Errorf("%s is %s: %w", id, status, ErrCycleSuperseded)
}

// Counts implements Store.
func (s *SQLiteStore) Counts(ctx context.Context) (c Counts, err error) {
	defer func(start time.Time) { observe(opCounts, start, err) }(time.Now())
	return countRecords(ctx, s.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countRecords(ctx context.Context, q queryRower) (Counts, error) {
	var c Counts
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM predictions`,
		string(model.StatusOutcomeRecorded), string(model.StatusUsedForLearning), string(model.StatusOutcomeRecorded),
	).Scan(&c.TotalPredictions, &c.TotalWithOutcomes, &c.Pending)
	if err != nil {
		return Counts{}, persistence(err, "sqlite: count records")
	}
	return c, nil
}

// Stats implements Store. The read runs in one transaction so counts,
// aggregate and history come from the same snapshot.
func (s *SQLiteStore) Stats(ctx context.Context) (st model.LearningStats, err error) {
	defer func(start time.Time) { observe(opStats, start, err) }(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, persistence(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck // nothing was written

	c, err := countRecords(ctx, tx)
	if err != nil {
		return st, err
	}
	st.TotalPredictions = c.TotalPredictions
	st.TotalWithOutcomes = c.TotalWithOutcomes
	st.PendingOutcomes = c.Pending
	st.ImprovementHistory = make([]model.CycleReport, 0)
	st.ModelPerformance.ByMetric = make(map[model.Metric]model.MetricPerformance)

	var perfJSON sql.NullString
	var lastUpdate sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT cycles_completed, model_performance, last_update FROM learning_stats WHERE id = 1`,
	).Scan(&st.CyclesCompleted, &perfJSON, &lastUpdate)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return st, nil
	case err != nil:
		return st, persistence(err, "sqlite: read learning stats")
	}
	if perfJSON.Valid {
		if err := json.Unmarshal([]byte(perfJSON.String), &st.ModelPerformance); err != nil {
			return st, persistence(err, "sqlite: unmarshal performance")
		}
	}
	if lastUpdate.Valid {
		at := time.Unix(0, lastUpdate.Int64).UTC()
		st.ModelPerformance.LastUpdate = &at
	}

	rows, err := tx.QueryContext(ctx, `SELECT report FROM learning_cycles ORDER BY seq ASC`)
	if err != nil {
		return st, persistence(err, "sqlite: list cycles")
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return st, persistence(err, "sqlite: scan cycle")
		}
		var rep model.CycleReport
		if err := json.Unmarshal([]byte(raw), &rep); err != nil {
			return st, persistence(err, "sqlite: unmarshal cycle")
		}
		st.ImprovementHistory = append(st.ImprovementHistory, rep)
	}
	if err := rows.Err(); err != nil {
		return st, persistence(err, "sqlite: list cycles iterate")
	}
	return st, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.PredictionRecord, error) {
	var (
		r                 model.PredictionRecord
		predictedAt       int64
		predsJSON, status string
		outJSON, accJSON  sql.NullString
		cycleID           sql.NullString
	)
	err := row.Scan(&r.AnalysisID, &r.SubjectReference, &predictedAt, &predsJSON, &status,
		&outJSON, &accJSON, &cycleID, &r.SubmissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, persistence(err, "sqlite: scan prediction")
	}
	r.PredictedAt = time.Unix(0, predictedAt).UTC()
	r.Status = model.Status(status)
	r.LearningCycleID = cycleID.String
	if err := json.Unmarshal([]byte(predsJSON), &r.Predictions); err != nil {
		return nil, persistence(err, "sqlite: unmarshal predictions")
	}
	if outJSON.Valid {
		r.Outcome = &model.Outcome{}
		if err := json.Unmarshal([]byte(outJSON.String), r.Outcome); err != nil {
			return nil, persistence(err, "sqlite: unmarshal outcome")
		}
	}
	if accJSON.Valid {
		r.Accuracy = &model.AccuracyScore{}
		if err := json.Unmarshal([]byte(accJSON.String), r.Accuracy); err != nil {
			return nil, persistence(err, "sqlite: unmarshal accuracy")
		}
	}
	return &r, nil
}

// persistence wraps a driver error so it matches ErrPersistence.
func persistence(err error, msg string) error {
	return fmt.Errorf("%w: %w", ErrPersistence, eris.Wrap(err, msg))
}
