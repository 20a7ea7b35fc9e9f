// Package simulate drives a running feedback loop over HTTP: it submits
// synthetic predictions, reports their outcomes concurrently and verifies
// that the learning statistics account for every consumed record.
package simulate

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultPredictions = 200
	DefaultWorkers     = 8
	DefaultTimeout     = 10 * time.Second
	DefaultSettle      = 30 * time.Second

	pollInterval = 100 * time.Millisecond
	stableReads  = 3
)

// Config controls a simulation run.
type Config struct {
	BaseURL     string
	Predictions int
	Workers     int
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// Settle bounds how long to wait for queued cycles to finish.
	Settle time.Duration
	// Seed makes the generated traffic reproducible.
	Seed uint64
	// Replays resubmits this many outcomes with their original submission id.
	Replays int
	// ForceCycle asks for a final cycle so leftover outcomes are consumed.
	ForceCycle bool
	Verbose    bool
}

func (c *Config) withDefaults() {
	if c.Predictions <= 0 {
		c.Predictions = DefaultPredictions
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Settle <= 0 {
		c.Settle = DefaultSettle
	}
	if c.Replays > c.Predictions {
		c.Replays = c.Predictions
	}
}

// Report summarises a simulation run.
type Report struct {
	RunID              string              `json:"run_id"`
	Predictions        int                 `json:"predictions"`
	Outcomes           int                 `json:"outcomes"`
	Replayed           int                 `json:"replayed"`
	CyclesTriggered    int                 `json:"cycles_triggered"`
	CyclesCompleted    int                 `json:"cycles_completed"`
	Consumed           int                 `json:"consumed"`
	Pending            int                 `json:"pending"`
	Strength           string              `json:"strength"`
	ExpectedAccuracy   map[string]float64  `json:"expected_accuracy,omitempty"`
	LatestImprovements map[string]float64  `json:"latest_improvements,omitempty"`
	Elapsed            time.Duration       `json:"elapsed"`
	Stats              model.LearningStats `json:"-"`
}

type predictionBody struct {
	AnalysisID       string            `json:"analysis_id"`
	SubjectReference string            `json:"subject_reference,omitempty"`
	SubmissionID     string            `json:"submission_id,omitempty"`
	Predictions      model.Predictions `json:"predictions"`
}

type outcomeBody struct {
	BusinessSuccessful   bool     `json:"business_successful"`
	ActualMonthlyRevenue float64  `json:"actual_monthly_revenue"`
	ProblemsEncountered  []string `json:"problems_encountered,omitempty"`
	SubmissionID         string   `json:"submission_id,omitempty"`
}

type cycleBody struct {
	Report *model.CycleReport `json:"report"`
}

// sample is one generated prediction with the outcome the world will report.
type sample struct {
	prediction predictionBody
	outcome    outcomeBody
}

var problemCatalogue = []string{ //nolint:gochecknoglobals // fixed catalogue
	"supply_delay", "staffing", "regulation", "competition", "pricing", "cash_flow",
}

// generate builds n samples whose outcomes correlate with the predictions,
// with a systematic optimism bias the trainer can learn to correct.
func generate(runID string, n int, rng *rand.Rand) []sample {
	out := make([]sample, n)
	for i := range out {
		p := 20 + rng.Float64()*75
		base := 2_000 + rng.Float64()*18_000
		risk := 5 + rng.Float64()*80
		version := "2.0"
		if rng.IntN(4) == 0 {
			version = "1.4"
		}

		succeeded := rng.Float64()*100 < p*0.85
		revenue := base * (0.55 + rng.Float64()*0.7)
		if !succeeded {
			revenue *= 0.4
		}
		var problems []string
		for _, prob := range problemCatalogue {
			if rng.Float64()*100 < risk*0.6 {
				problems = append(problems, prob)
			}
		}

		id := fmt.Sprintf("%s-%05d", runID, i)
		out[i] = sample{
			prediction: predictionBody{
				AnalysisID:       id,
				SubjectReference: "subject-" + id,
				SubmissionID:     uuid.NewString(),
				Predictions: model.Predictions{
					SuccessProbability: ptr(round(p)),
					RevenuePrediction:  model.RevenuePrediction{MonthlyBase: ptr(round(base))},
					RiskAssessment:     model.RiskAssessment{RiskScore: ptr(round(risk))},
					Advantages:         problemCatalogue[:rng.IntN(3)],
					AlgorithmVersion:   version,
				},
			},
			outcome: outcomeBody{
				BusinessSuccessful:   succeeded,
				ActualMonthlyRevenue: round(revenue),
				ProblemsEncountered:  problems,
				SubmissionID:         uuid.NewString(),
			},
		}
	}
	return out
}

func ptr(v float64) *float64 { return &v }

func round(v float64) float64 { return math.Round(v*100) / 100 }

// Run executes a simulation against cfg.BaseURL and verifies the result.
func Run(ctx context.Context, cfg Config) (Report, error) {
	cfg.withDefaults()
	log := logger.Get().Named("simulate")
	start := time.Now()

	runID := uuid.NewString()[:8]
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)) //nolint:gosec // synthetic traffic
	samples := generate(runID, cfg.Predictions, rng)
	c := newClient(cfg.BaseURL, cfg.Timeout)
	report := Report{RunID: runID}

	log.Info(ctx, "submitting predictions",
		logger.String("run_id", runID),
		logger.Int("count", len(samples)),
		logger.Int("workers", cfg.Workers),
	)
	if err := fanOut(ctx, cfg.Workers, samples, func(ctx context.Context, s sample) error {
		var receipt model.Receipt
		_, err := c.do(ctx, http.MethodPost, "/predictions", s.prediction, &receipt, http.StatusCreated)
		return err
	}); err != nil {
		return report, err
	}
	report.Predictions = len(samples)

	var triggered, queued atomic.Int64
	if err := fanOut(ctx, cfg.Workers, samples, func(ctx context.Context, s sample) error {
		var res model.OutcomeResult
		path := "/predictions/" + s.prediction.AnalysisID + "/outcome"
		if _, err := c.do(ctx, http.MethodPost, path, s.outcome, &res, http.StatusOK); err != nil {
			return err
		}
		if res.CycleTriggered {
			triggered.Add(1)
		}
		if res.CycleQueued {
			queued.Add(1)
		}
		if cfg.Verbose {
			log.Debug(ctx, "outcome recorded",
				logger.String("analysis_id", res.AnalysisID),
				logger.Float64("overall", res.Accuracy.Overall),
				logger.Bool("cycle_triggered", res.CycleTriggered),
			)
		}
		return nil
	}); err != nil {
		return report, err
	}
	report.Outcomes = len(samples)
	report.CyclesTriggered = int(triggered.Load())

	replayed, err := replay(ctx, c, cfg, samples)
	if err != nil {
		return report, err
	}
	report.Replayed = replayed

	stats, err := settle(ctx, c, cfg.Settle)
	if err != nil {
		return report, err
	}
	if cfg.ForceCycle && stats.PendingOutcomes > 0 {
		if stats, err = forceCycle(ctx, c, log); err != nil {
			return report, err
		}
	}

	if err := verify(ctx, c, samples, stats); err != nil {
		return report, err
	}

	report.Stats = stats
	report.CyclesCompleted = stats.CyclesCompleted
	report.Consumed = stats.TotalWithOutcomes - stats.PendingOutcomes
	report.Pending = stats.PendingOutcomes
	report.Strength = stats.Strength
	if n := len(stats.ImprovementHistory); n > 0 {
		report.LatestImprovements = make(map[string]float64)
		for m, d := range stats.ImprovementHistory[n-1].Improvements() {
			report.LatestImprovements[string(m)] = d
		}
	}
	report.ExpectedAccuracy, err = expectedAccuracy(ctx, c, runID)
	if err != nil {
		return report, err
	}
	report.Elapsed = time.Since(start)

	log.Info(ctx, "simulation finished",
		logger.String("run_id", runID),
		logger.Int("cycles_completed", report.CyclesCompleted),
		logger.Int("consumed", report.Consumed),
		logger.Int("pending", report.Pending),
		logger.Int("triggered", report.CyclesTriggered),
		logger.Int("queued", int(queued.Load())),
		logger.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// fanOut runs fn for every sample with at most workers in flight and stops
// at the first error.
func fanOut(ctx context.Context, workers int, samples []sample, fn func(context.Context, sample) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, s := range samples {
		g.Go(func() error { return fn(gctx, s) })
	}
	return g.Wait()
}

// replay resubmits outcomes with their original submission ids; each must
// be acknowledged as a replay rather than rejected.
func replay(ctx context.Context, c *client, cfg Config, samples []sample) (int, error) {
	var n atomic.Int64
	err := fanOut(ctx, cfg.Workers, samples[:cfg.Replays], func(ctx context.Context, s sample) error {
		var res model.OutcomeResult
		path := "/predictions/" + s.prediction.AnalysisID + "/outcome"
		if _, err := c.do(ctx, http.MethodPost, path, s.outcome, &res, http.StatusOK); err != nil {
			return err
		}
		if !res.Replayed {
			return fmt.Errorf("%w: outcome for %s was not recognised as a replay", ErrVerification, s.prediction.AnalysisID)
		}
		n.Add(1)
		return nil
	})
	return int(n.Load()), err
}

// settle polls the learning stats until several consecutive reads agree, so
// queued cycles have drained.
func settle(ctx context.Context, c *client, limit time.Duration) (model.LearningStats, error) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	var (
		prev   model.LearningStats
		stable int
	)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var cur model.LearningStats
		if _, err := c.do(ctx, http.MethodGet, "/learning/stats", nil, &cur, http.StatusOK); err != nil {
			return cur, err
		}
		if cur.CyclesCompleted == prev.CyclesCompleted && cur.PendingOutcomes == prev.PendingOutcomes {
			stable++
		} else {
			stable = 0
		}
		if stable >= stableReads {
			return cur, nil
		}
		prev = cur
		select {
		case <-ctx.Done():
			return prev, fmt.Errorf("waiting for cycles to settle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func forceCycle(ctx context.Context, c *client, log logger.Logger) (model.LearningStats, error) {
	var body cycleBody
	status, err := c.do(ctx, http.MethodPost, "/learning/cycles", nil, &body,
		http.StatusCreated, http.StatusUnprocessableEntity, http.StatusConflict)
	if err != nil {
		return model.LearningStats{}, err
	}
	if status == http.StatusCreated && body.Report != nil {
		log.Info(ctx, "forced learning cycle",
			logger.String("cycle_id", body.Report.CycleID),
			logger.Int("samples", body.Report.SampleCount),
		)
	}
	var stats model.LearningStats
	_, err = c.do(ctx, http.MethodGet, "/learning/stats", nil, &stats, http.StatusOK)
	return stats, err
}

// verify checks that at least one cycle ran, that every record of this run
// has left awaiting_outcome, and that consumed records match the reported
// cycles one for one.
func verify(ctx context.Context, c *client, samples []sample, stats model.LearningStats) error {
	if stats.CyclesCompleted < 1 {
		return fmt.Errorf("%w: no learning cycle completed", ErrVerification)
	}

	inHistory := make(map[string]string)
	for _, rep := range stats.ImprovementHistory {
		if rep.SampleCount != len(rep.AnalysisIDs) {
			return fmt.Errorf("%w: cycle %s reports %d samples but lists %d records",
				ErrVerification, rep.CycleID, rep.SampleCount, len(rep.AnalysisIDs))
		}
		for _, id := range rep.AnalysisIDs {
			if prev, dup := inHistory[id]; dup {
				return fmt.Errorf("%w: %s consumed by cycles %s and %s", ErrVerification, id, prev, rep.CycleID)
			}
			inHistory[id] = rep.CycleID
		}
	}

	for _, s := range samples {
		var rec model.PredictionRecord
		path := "/predictions/" + s.prediction.AnalysisID
		if _, err := c.do(ctx, http.MethodGet, path, nil, &rec, http.StatusOK); err != nil {
			return err
		}
		switch rec.Status {
		case model.StatusOutcomeRecorded:
			if _, ok := inHistory[rec.AnalysisID]; ok {
				return fmt.Errorf("%w: %s is pending but listed by cycle %s",
					ErrVerification, rec.AnalysisID, inHistory[rec.AnalysisID])
			}
		case model.StatusUsedForLearning:
			cycleID, ok := inHistory[rec.AnalysisID]
			// A trimmed history may no longer list older cycles.
			if ok && cycleID != rec.LearningCycleID {
				return fmt.Errorf("%w: %s consumed by %s but listed by %s",
					ErrVerification, rec.AnalysisID, rec.LearningCycleID, cycleID)
			}
		default:
			return fmt.Errorf("%w: %s still %s", ErrVerification, rec.AnalysisID, rec.Status)
		}
		if rec.Accuracy == nil {
			return fmt.Errorf("%w: %s has no accuracy score", ErrVerification, rec.AnalysisID)
		}
	}
	return nil
}

// expectedAccuracy submits one extra prediction and returns the expected accuracy the
// trained models attach to its receipt.
func expectedAccuracy(ctx context.Context, c *client, runID string) (map[string]float64, error) {
	body := predictionBody{
		AnalysisID: runID + "-expected",
		Predictions: model.Predictions{
			SuccessProbability: ptr(60),
			RevenuePrediction:  model.RevenuePrediction{MonthlyBase: ptr(8_000)},
			RiskAssessment:     model.RiskAssessment{RiskScore: ptr(30)},
			AlgorithmVersion:   "2.0",
		},
	}
	var receipt model.Receipt
	if _, err := c.do(ctx, http.MethodPost, "/predictions", body, &receipt, http.StatusCreated); err != nil {
		return nil, err
	}
	if len(receipt.ExpectedAccuracy) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(receipt.ExpectedAccuracy))
	for m, v := range receipt.ExpectedAccuracy {
		out[string(m)] = v
	}
	return out, nil
}
