package model

import "time"

// Strength thresholds on completed cycles.
const (
	developingCycles = 1
	improvingCycles  = 5
	advancedCycles   = 10
	expertCycles     = 20
)

// MetricReport is one metric's outcome within a learning cycle.
type MetricReport struct {
	Samples     int     `json:"samples"`
	Baseline    float64 `json:"baseline"`
	FittedMean  float64 `json:"fitted_mean"`
	Improvement float64 `json:"improvement"`
	Fitted      bool    `json:"fitted"`
	Failure     string  `json:"failure,omitempty"`
}

// CycleReport describes one completed learning cycle.
type CycleReport struct {
	CycleID     string                  `json:"cycle_id"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
	SampleCount int                     `json:"sample_count"`
	AnalysisIDs []string                `json:"analysis_ids"`
	Metrics     map[Metric]MetricReport `json:"metrics"`
}

// Improvements returns the improvement delta per metric.
func (r *CycleReport) Improvements() map[Metric]float64 {
	out := make(map[Metric]float64, len(r.Metrics))
	for m, rep := range r.Metrics {
		out[m] = rep.Improvement
	}
	return out
}

// Clone returns a deep copy of r.
func (r *CycleReport) Clone() CycleReport {
	out := *r
	out.AnalysisIDs = append([]string(nil), r.AnalysisIDs...)
	out.Metrics = make(map[Metric]MetricReport, len(r.Metrics))
	for m, rep := range r.Metrics {
		out.Metrics[m] = rep
	}
	return out
}

// MetricPerformance is the latest accuracy snapshot for a metric.
type MetricPerformance struct {
	MeanAccuracy float64 `json:"mean_accuracy"`
	FittedMean   float64 `json:"fitted_mean"`
	Samples      int     `json:"samples"`
}

// ModelPerformance is the accuracy-by-metric snapshot written by the last cycle.
type ModelPerformance struct {
	ByMetric   map[Metric]MetricPerformance `json:"by_metric"`
	LastUpdate *time.Time                   `json:"last_update,omitempty"`
}

// LearningStats is the process-wide learning aggregate.
type LearningStats struct {
	TotalPredictions   int              `json:"total_predictions"`
	TotalWithOutcomes  int              `json:"total_with_outcomes"`
	PendingOutcomes    int              `json:"pending_for_learning"`
	CyclesCompleted    int              `json:"cycles_completed"`
	ImprovementHistory []CycleReport    `json:"improvement_history"`
	ModelPerformance   ModelPerformance `json:"model_performance"`
	Strength           string           `json:"strength"`
}

// ApplyCycle folds a completed cycle into the aggregate.
func (s *LearningStats) ApplyCycle(report *CycleReport) {
	s.CyclesCompleted++
	s.ImprovementHistory = append(s.ImprovementHistory, report.Clone())
	s.ModelPerformance = PerformanceFrom(report)
}

// PerformanceFrom builds the accuracy snapshot a completed cycle leaves behind.
func PerformanceFrom(report *CycleReport) ModelPerformance {
	perf := make(map[Metric]MetricPerformance, len(report.Metrics))
	for m, rep := range report.Metrics {
		perf[m] = MetricPerformance{
			MeanAccuracy: rep.Baseline,
			FittedMean:   rep.FittedMean,
			Samples:      rep.Samples,
		}
	}
	at := report.CompletedAt
	return ModelPerformance{ByMetric: perf, LastUpdate: &at}
}

// Clone returns a deep copy of s.
func (s *LearningStats) Clone() LearningStats {
	out := *s
	out.ImprovementHistory = make([]CycleReport, len(s.ImprovementHistory))
	for i := range s.ImprovementHistory {
		out.ImprovementHistory[i] = s.ImprovementHistory[i].Clone()
	}
	out.ModelPerformance.ByMetric = make(map[Metric]MetricPerformance, len(s.ModelPerformance.ByMetric))
	for m, p := range s.ModelPerformance.ByMetric {
		out.ModelPerformance.ByMetric[m] = p
	}
	if s.ModelPerformance.LastUpdate != nil {
		at := *s.ModelPerformance.LastUpdate
		out.ModelPerformance.LastUpdate = &at
	}
	return out
}

// StrengthLabel maps completed cycles to a qualitative label.
func StrengthLabel(cyclesCompleted int) string {
	switch {
	case cyclesCompleted >= expertCycles:
		return "expert"
	case cyclesCompleted >= advancedCycles:
		return "advanced"
	case cyclesCompleted >= improvingCycles:
		return "improving"
	case cyclesCompleted >= developingCycles:
		return "developing"
	default:
		return "initial"
	}
}

// CycleRequest asks a worker to attempt a learning cycle.
type CycleRequest struct {
	RequestID   string    `json:"request_id"`
	Generation  int       `json:"generation"`
	TriggeredBy string    `json:"triggered_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// Receipt acknowledges a recorded prediction.
type Receipt struct {
	Accepted   bool   `json:"accepted"`
	AnalysisID string `json:"analysis_id"`
	Replayed   bool   `json:"replayed,omitempty"`
	// OutcomesUntilNextCycle estimates how many more outcomes are needed
	// before the trigger can fire. Informational only.
	OutcomesUntilNextCycle int                `json:"outcomes_until_next_cycle"`
	ExpectedAccuracy       map[Metric]float64 `json:"expected_accuracy,omitempty"`
}

// OutcomeResult acknowledges a recorded outcome.
type OutcomeResult struct {
	Accepted       bool          `json:"accepted"`
	AnalysisID     string        `json:"analysis_id"`
	Accuracy       AccuracyScore `json:"accuracy"`
	Replayed       bool          `json:"replayed,omitempty"`
	CycleTriggered bool          `json:"cycle_triggered"`
	CycleQueued    bool          `json:"cycle_queued,omitempty"`
	CycleReport    *CycleReport  `json:"cycle_report,omitempty"`
}
