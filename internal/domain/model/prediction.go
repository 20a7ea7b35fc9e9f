// Package model contains domain models passed between layers.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Bounds for the predicted quantities carried by Predictions.
const (
	maxProbability = 100
	maxRiskScore   = 100
)

// Validation errors for inbound predictions and outcomes.
var (
	ErrMissingAnalysisID = errors.New("missing analysis_id")
	ErrOutOfRange        = errors.New("value out of range")
)

// Metric names a tracked prediction dimension.
type Metric string

// Tracked metrics. Order is stable and used wherever metrics are iterated.
const (
	MetricSuccessProbability Metric = "success_probability"
	MetricRevenuePrediction  Metric = "revenue_prediction"
	MetricRiskAssessment     Metric = "risk_assessment"
)

// TrackedMetrics lists every metric the loop scores and trains on.
var TrackedMetrics = []Metric{ //nolint:gochecknoglobals // fixed metric catalogue
	MetricSuccessProbability,
	MetricRevenuePrediction,
	MetricRiskAssessment,
}

// Status is the lifecycle state of a PredictionRecord.
type Status string

// Record lifecycle states. Transitions only move forward one step at a time.
const (
	StatusAwaitingOutcome Status = "awaiting_outcome"
	StatusOutcomeRecorded Status = "outcome_recorded"
	StatusUsedForLearning Status = "used_for_learning"
)

func (s Status) order() int {
	switch s {
	case StatusAwaitingOutcome:
		return 1
	case StatusOutcomeRecorded:
		return 2
	case StatusUsedForLearning:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.order() > 0 }

// CanAdvanceTo reports whether next is the immediate successor of s.
func (s Status) CanAdvanceTo(next Status) bool {
	return s.Valid() && next.order() == s.order()+1
}

// HasAccuracy reports whether a record in status s must carry an accuracy score.
func (s Status) HasAccuracy() bool {
	return s == StatusOutcomeRecorded || s == StatusUsedForLearning
}

// RevenuePrediction holds the revenue side of a prediction.
type RevenuePrediction struct {
	MonthlyBase *float64 `json:"monthly_base,omitempty"`
}

// RiskAssessment holds the risk side of a prediction.
type RiskAssessment struct {
	RiskScore *float64 `json:"risk_score,omitempty"`
}

// Predictions is the typed payload produced by the upstream predictor.
// Unknown upstream fields travel in Extensions and are ignored here.
type Predictions struct {
	SuccessProbability *float64          `json:"success_probability,omitempty"`
	RevenuePrediction  RevenuePrediction `json:"revenue_prediction"`
	RiskAssessment     RiskAssessment    `json:"risk_assessment"`
	Advantages         []string          `json:"advantages,omitempty"`
	AlgorithmVersion   string            `json:"algorithm_version,omitempty"`
	Extensions         map[string]any    `json:"extensions,omitempty"`
}

// Validate checks the numeric ranges of the populated fields.
func (p Predictions) Validate() error {
	if v := p.SuccessProbability; v != nil && (*v < 0 || *v > maxProbability) {
		return fmt.Errorf("success_probability %v: %w", *v, ErrOutOfRange)
	}
	if v := p.RevenuePrediction.MonthlyBase; v != nil && *v < 0 {
		return fmt.Errorf("revenue_prediction.monthly_base %v: %w", *v, ErrOutOfRange)
	}
	if v := p.RiskAssessment.RiskScore; v != nil && (*v < 0 || *v > maxRiskScore) {
		return fmt.Errorf("risk_assessment.risk_score %v: %w", *v, ErrOutOfRange)
	}
	return nil
}

// Outcome is the observed real-world result for a prediction.
type Outcome struct {
	BusinessSuccessful   bool      `json:"business_successful"`
	ActualMonthlyRevenue float64   `json:"actual_monthly_revenue"`
	ProblemsEncountered  []string  `json:"problems_encountered,omitempty"`
	RecordedAt           time.Time `json:"recorded_at"`
	// SubmissionID optionally identifies the client submission so a retried
	// call can be recognised as the same write.
	SubmissionID string `json:"submission_id,omitempty"`
}

// Validate checks the outcome's numeric ranges.
func (o Outcome) Validate() error {
	if o.ActualMonthlyRevenue < 0 {
		return fmt.Errorf("actual_monthly_revenue %v: %w", o.ActualMonthlyRevenue, ErrOutOfRange)
	}
	return nil
}

// AccuracyScore holds per-metric accuracy in [0,1]. A nil metric was not computable.
type AccuracyScore struct {
	SuccessProbability *float64 `json:"success_probability,omitempty"`
	RevenuePrediction  *float64 `json:"revenue_prediction,omitempty"`
	RiskAssessment     *float64 `json:"risk_assessment,omitempty"`
	Overall            float64  `json:"overall"`
}

// Metric returns the score for m and whether it was computable.
func (a AccuracyScore) Metric(m Metric) (float64, bool) {
	var v *float64
	switch m {
	case MetricSuccessProbability:
		v = a.SuccessProbability
	case MetricRevenuePrediction:
		v = a.RevenuePrediction
	case MetricRiskAssessment:
		v = a.RiskAssessment
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// PredictionRecord is a stored assessment together with its eventual outcome.
type PredictionRecord struct {
	AnalysisID       string         `json:"analysis_id"`
	SubjectReference string         `json:"subject_reference"`
	PredictedAt      time.Time      `json:"predicted_at"`
	Predictions      Predictions    `json:"predictions"`
	Status           Status         `json:"status"`
	Outcome          *Outcome       `json:"outcome,omitempty"`
	Accuracy         *AccuracyScore `json:"accuracy,omitempty"`
	LearningCycleID  string         `json:"learning_cycle_id,omitempty"`
	SubmissionID     string         `json:"submission_id,omitempty"`
}

// Validate checks the record's identity and prediction payload.
func (r *PredictionRecord) Validate() error {
	if strings.TrimSpace(r.AnalysisID) == "" {
		return ErrMissingAnalysisID
	}
	return r.Predictions.Validate()
}

// Float returns a pointer to v, for populating optional numeric fields.
func Float(v float64) *float64 { return &v }

// Clone returns a deep copy of r so callers cannot alias stored state.
func (r *PredictionRecord) Clone() PredictionRecord {
	out := *r
	out.Predictions = r.Predictions.clone()
	if r.Outcome != nil {
		o := *r.Outcome
		o.ProblemsEncountered = append([]string(nil), r.Outcome.ProblemsEncountered...)
		out.Outcome = &o
	}
	if r.Accuracy != nil {
		a := r.Accuracy.clone()
		out.Accuracy = &a
	}
	return out
}

func (p Predictions) clone() Predictions {
	out := p
	out.SuccessProbability = cloneFloat(p.SuccessProbability)
	out.RevenuePrediction.MonthlyBase = cloneFloat(p.RevenuePrediction.MonthlyBase)
	out.RiskAssessment.RiskScore = cloneFloat(p.RiskAssessment.RiskScore)
	out.Advantages = append([]string(nil), p.Advantages...)
	if p.Extensions != nil {
		out.Extensions = make(map[string]any, len(p.Extensions))
		for k, v := range p.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}

func (a AccuracyScore) clone() AccuracyScore {
	return AccuracyScore{
		SuccessProbability: cloneFloat(a.SuccessProbability),
		RevenuePrediction:  cloneFloat(a.RevenuePrediction),
		RiskAssessment:     cloneFloat(a.RiskAssessment),
		Overall:            a.Overall,
	}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v)
}
