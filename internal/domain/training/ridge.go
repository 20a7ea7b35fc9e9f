package training

import (
	"fmt"
	"math"

	features "github.com/okian/feedbackloop/internal/domain/features"
)

// dim is the number of coefficients: one per feature plus the bias.
const dim = features.Width + 1

const pivotEpsilon = 1e-12

// Ridge is a linear model y = w·x + b fitted with an L2 penalty on w.
type Ridge struct {
	Weights [features.Width]float64 `json:"weights"`
	Bias    float64                 `json:"bias"`
}

// Predict evaluates the model at v.
func (r Ridge) Predict(v features.Vector) float64 {
	y := r.Bias
	for i, x := range v {
		y += r.Weights[i] * x
	}
	return y
}

// fitRidge solves (XᵀX + λI')β = Xᵀy where I' leaves the bias unpenalised.
// idx selects the rows of the sample to use, with repetition allowed.
func fitRidge(rows []features.Vector, labels []float64, idx []int, lambda float64) (Ridge, error) {
	var a [dim][dim]float64
	var b [dim]float64

	for _, k := range idx {
		var x [dim]float64
		copy(x[:], rows[k][:])
		x[dim-1] = 1
		for i := range dim {
			for j := range dim {
				a[i][j] += x[i] * x[j]
			}
			b[i] += x[i] * labels[k]
		}
	}
	for i := range features.Width {
		a[i][i] += lambda
	}

	beta, err := solve(a, b)
	if err != nil {
		return Ridge{}, err
	}
	var r Ridge
	copy(r.Weights[:], beta[:features.Width])
	r.Bias = beta[dim-1]
	for _, w := range beta {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return Ridge{}, fmt.Errorf("coefficient %v: %w", w, ErrNonFinite)
		}
	}
	return r, nil
}

// solve runs Gaussian elimination with partial pivoting on a copy of a.
func solve(a [dim][dim]float64, b [dim]float64) ([dim]float64, error) {
	var x [dim]float64
	for col := range dim {
		pivot := col
		for r := col + 1; r < dim; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < pivotEpsilon {
			return x, fmt.Errorf("column %d: %w", col, ErrSingularSystem)
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < dim; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < dim; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}
	for r := dim - 1; r >= 0; r-- {
		s := b[r]
		for c := r + 1; c < dim; c++ {
			s -= a[r][c] * x[c]
		}
		x[r] = s / a[r][r]
	}
	return x, nil
}

// Ensemble is a bag of ridge members whose predictions are averaged.
type Ensemble struct {
	Members []Ridge `json:"members"`
}

// Predict averages member predictions and clamps to the accuracy range.
func (e *Ensemble) Predict(v features.Vector) float64 {
	if e == nil || len(e.Members) == 0 {
		return 0
	}
	var sum float64
	for _, m := range e.Members {
		sum += m.Predict(v)
	}
	return math.Max(0, math.Min(1, sum/float64(len(e.Members))))
}
