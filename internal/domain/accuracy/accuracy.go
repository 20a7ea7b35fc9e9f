// Package accuracy scores a prediction against its observed outcome.
package accuracy

import (
	"math"

	model "github.com/okian/feedbackloop/internal/domain/model"
)

// Default scoring constants.
const (
	defaultRiskPerProblem = 20.0
	defaultNeutralOverall = 0.5
	maxRisk               = 100.0
	probabilityScale      = 100.0
)

// Option applies a configuration option to the Scorer.
type Option func(*Scorer)

// WithRiskPerProblem sets the risk points each reported problem contributes.
func WithRiskPerProblem(points float64) Option {
	return func(s *Scorer) {
		if points > 0 {
			s.riskPerProblem = points
		}
	}
}

// WithNeutralOverall sets the overall score used when no metric is computable.
func WithNeutralOverall(v float64) Option {
	return func(s *Scorer) {
		if v >= 0 && v <= 1 {
			s.neutral = v
		}
	}
}

// Scorer computes per-metric accuracy. It holds no mutable state and is safe
// for concurrent use.
type Scorer struct {
	riskPerProblem float64
	neutral        float64
}

// New creates a Scorer with the given options.
func New(opts ...Option) *Scorer {
	s := &Scorer{
		riskPerProblem: defaultRiskPerProblem,
		neutral:        defaultNeutralOverall,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var defaultScorer = New() //nolint:gochecknoglobals // stateless default

// Score scores p against o with the default policy.
func Score(p model.Predictions, o model.Outcome) model.AccuracyScore {
	return defaultScorer.Score(p, o)
}

// Score computes the accuracy of p given the observed outcome o.
// Metrics without both a predicted and an observed value are left nil and
// excluded from Overall.
func (s *Scorer) Score(p model.Predictions, o model.Outcome) model.AccuracyScore {
	var out model.AccuracyScore

	if v := p.SuccessProbability; v != nil {
		actual := 0.0
		if o.BusinessSuccessful {
			actual = 1.0
		}
		out.SuccessProbability = model.Float(clamp01(1 - math.Abs(*v/probabilityScale-actual)))
	}

	if v := p.RevenuePrediction.MonthlyBase; v != nil && *v > 0 && o.ActualMonthlyRevenue > 0 {
		denom := math.Max(*v, o.ActualMonthlyRevenue)
		out.RevenuePrediction = model.Float(clamp01(1 - math.Abs(*v-o.ActualMonthlyRevenue)/denom))
	}

	if v := p.RiskAssessment.RiskScore; v != nil {
		actual := math.Min(maxRisk, s.riskPerProblem*float64(len(o.ProblemsEncountered)))
		out.RiskAssessment = model.Float(clamp01(1 - math.Abs(*v-actual)/maxRisk))
	}

	out.Overall = s.overall(out)
	return out
}

func (s *Scorer) overall(a model.AccuracyScore) float64 {
	var sum float64
	var n int
	for _, m := range model.TrackedMetrics {
		if v, ok := a.Metric(m); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return s.neutral
	}
	return sum / float64(n)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
