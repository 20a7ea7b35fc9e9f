// Package features maps scored records into training vectors and labels.
package features

import (
	"errors"
	"strings"

	model "github.com/okian/feedbackloop/internal/domain/model"
)

// Width is the fixed length of every feature vector.
const Width = 3

// Feature vector scaling constants.
const (
	probabilityScale = 100.0
	advantagesScale  = 10.0
)

// ErrNotScored is returned when a record has no accuracy to label from.
var ErrNotScored = errors.New("record has no accuracy score")

// Vector is a fixed-width feature vector.
type Vector [Width]float64

// Extractor builds features from the prediction side only, never the outcome.
type Extractor struct {
	latestVersion string
}

// New creates an Extractor. latestVersion is the algorithm_version tag treated
// as the latest predictor generation.
func New(latestVersion string) Extractor {
	return Extractor{latestVersion: normalizeVersion(latestVersion)}
}

// Features returns [success_probability/100, min(len(advantages)/10, 1), latest?1:0].
// A missing probability contributes 0.
func (e Extractor) Features(p model.Predictions) Vector {
	var v Vector
	if p.SuccessProbability != nil {
		v[0] = *p.SuccessProbability / probabilityScale
	}
	v[1] = min(float64(len(p.Advantages))/advantagesScale, 1.0)
	if e.latestVersion != "" && normalizeVersion(p.AlgorithmVersion) == e.latestVersion {
		v[2] = 1
	}
	return v
}

// Extract returns the feature vector and the per-metric labels for a scored
// record. Only computable metrics appear in the label map.
func (e Extractor) Extract(rec *model.PredictionRecord) (Vector, map[model.Metric]float64, error) {
	if rec.Accuracy == nil {
		return Vector{}, nil, ErrNotScored
	}
	labels := make(map[model.Metric]float64, len(model.TrackedMetrics))
	for _, m := range model.TrackedMetrics {
		if v, ok := rec.Accuracy.Metric(m); ok {
			labels[m] = v
		}
	}
	return e.Features(rec.Predictions), labels, nil
}

// Dataset is the per-metric training data extracted from a batch of records.
// Rows holds, per metric, the vectors of records that have that label.
type Dataset struct {
	Rows   map[model.Metric][]Vector
	Labels map[model.Metric][]float64
}

// Build extracts a Dataset from records. Unscored records are skipped.
func (e Extractor) Build(records []model.PredictionRecord) Dataset {
	ds := Dataset{
		Rows:   make(map[model.Metric][]Vector, len(model.TrackedMetrics)),
		Labels: make(map[model.Metric][]float64, len(model.TrackedMetrics)),
	}
	for i := range records {
		vec, labels, err := e.Extract(&records[i])
		if err != nil {
			continue
		}
		for m, y := range labels {
			ds.Rows[m] = append(ds.Rows[m], vec)
			ds.Labels[m] = append(ds.Labels[m], y)
		}
	}
	return ds
}

func normalizeVersion(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
