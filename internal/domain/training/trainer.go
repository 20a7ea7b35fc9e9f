// Package training fits one bagged ridge regressor per tracked metric and
// reports how the fitted models compare with a mean baseline.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	features "github.com/okian/feedbackloop/internal/domain/features"
	model "github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/pkg/logger"
	"github.com/okian/feedbackloop/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// seedStride separates the bootstrap streams of different metrics.
const seedStride = 1_000_003

// Models holds the fitted ensemble of every metric that could be fitted.
type Models map[model.Metric]*Ensemble

// Predict returns the expected accuracy per fitted metric for v.
func (m Models) Predict(v features.Vector) map[model.Metric]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[model.Metric]float64, len(m))
	for metric, ens := range m {
		out[metric] = ens.Predict(v)
	}
	return out
}

// Result is the outcome of one training pass.
type Result struct {
	Reports map[model.Metric]model.MetricReport
	Models  Models
}

// Improvements returns the improvement delta per metric.
func (r Result) Improvements() map[model.Metric]float64 {
	out := make(map[model.Metric]float64, len(r.Reports))
	for m, rep := range r.Reports {
		out[m] = rep.Improvement
	}
	return out
}

// Trainer fits models from extracted datasets. It keeps no state between
// calls and is safe for concurrent use.
type Trainer struct {
	minSamples   int
	ensembleSize int
	lambda       float64
	seed         int64
	logger       logger.Logger
}

// New creates a Trainer with the given options.
func New(opts ...Option) *Trainer {
	t := &Trainer{
		minSamples:   DefaultMinSamples,
		ensembleSize: DefaultEnsembleSize,
		lambda:       DefaultLambda,
		seed:         DefaultSeed,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logger.Get().Named("trainer")
	}
	return t
}

// MinSamples returns the per-metric sample floor.
func (t *Trainer) MinSamples() int { return t.minSamples }

// Train fits every tracked metric in parallel. A metric that fails to fit
// reports zero improvement and never aborts the others. The only error
// returned is ctx's.
func (t *Trainer) Train(ctx context.Context, ds features.Dataset) (Result, error) {
	res := Result{
		Reports: make(map[model.Metric]model.MetricReport, len(model.TrackedMetrics)),
		Models:  make(Models, len(model.TrackedMetrics)),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, metric := range model.TrackedMetrics {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			seed := t.seed + int64(i)*seedStride
			rep, ens := t.fitMetric(gctx, metric, ds.Rows[metric], ds.Labels[metric], seed)
			mu.Lock()
			res.Reports[metric] = rep
			if ens != nil {
				res.Models[metric] = ens
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("train: %w", err)
	}
	return res, nil
}

func (t *Trainer) fitMetric(
	ctx context.Context, metric model.Metric, rows []features.Vector, labels []float64, seed int64,
) (model.MetricReport, *Ensemble) {
	rep := model.MetricReport{Samples: len(labels)}
	if len(labels) > 0 {
		rep.Baseline = mean(labels)
	}
	if len(labels) < t.minSamples {
		t.logger.Debug(ctx, "skipping metric with too few samples",
			logger.String("metric", string(metric)),
			logger.Int("samples", len(labels)),
			logger.Int("min_samples", t.minSamples),
		)
		return rep, nil
	}

	ens, fitted, err := t.fitEnsemble(rows, labels, seed)
	if err != nil {
		err = errors.Join(ErrComputeFailure, err)
		t.logger.Warn(ctx, "metric fit failed",
			logger.String("metric", string(metric)),
			logger.Int("samples", len(labels)),
			logger.Error(err),
		)
		metrics.RecordComputeFailure(string(metric))
		rep.Failure = err.Error()
		return rep, nil
	}

	rep.Fitted = true
	rep.FittedMean = fitted
	rep.Improvement = fitted - rep.Baseline
	return rep, ens
}

func (t *Trainer) fitEnsemble(rows []features.Vector, labels []float64, seed int64) (*Ensemble, float64, error) {
	if len(rows) != len(labels) {
		return nil, 0, fmt.Errorf("%d rows, %d labels: %w", len(rows), len(labels), ErrShapeMismatch)
	}
	for _, y := range labels {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return nil, 0, fmt.Errorf("label %v: %w", y, ErrNonFinite)
		}
	}

	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible bootstrap, not security sensitive
	n := len(labels)
	ens := &Ensemble{Members: make([]Ridge, 0, t.ensembleSize)}
	idx := make([]int, n)
	for range t.ensembleSize {
		for i := range idx {
			idx[i] = rng.Intn(n)
		}
		member, err := fitRidge(rows, labels, idx, t.lambda)
		if err != nil {
			return nil, 0, err
		}
		ens.Members = append(ens.Members, member)
	}

	var sum float64
	for _, v := range rows {
		sum += ens.Predict(v)
	}
	fitted := sum / float64(n)
	if math.IsNaN(fitted) || math.IsInf(fitted, 0) {
		return nil, 0, fmt.Errorf("fitted mean %v: %w", fitted, ErrNonFinite)
	}
	return ens, fitted, nil
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
