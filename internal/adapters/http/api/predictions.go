package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/okian/feedbackloop/internal/domain/model"
)

// PredictionDependencies defines the record-level operations.
type PredictionDependencies interface {
	RecordPrediction(ctx context.Context, rec model.PredictionRecord) (model.Receipt, error)
	RecordOutcome(ctx context.Context, analysisID string, outcome model.Outcome) (model.OutcomeResult, error)
	GetPrediction(ctx context.Context, analysisID string) (model.PredictionRecord, error)
}

// predictionRequest mirrors the OpenAPI schema for POST /predictions.
type predictionRequest struct {
	AnalysisID       string            `json:"analysis_id"`
	SubjectReference string            `json:"subject_reference"`
	PredictedAt      string            `json:"predicted_at"`
	Predictions      model.Predictions `json:"predictions"`
	SubmissionID     string            `json:"submission_id"`
}

func (p *predictionRequest) record() (model.PredictionRecord, error) {
	rec := model.PredictionRecord{
		AnalysisID:       strings.TrimSpace(p.AnalysisID),
		SubjectReference: p.SubjectReference,
		Predictions:      p.Predictions,
		SubmissionID:     p.SubmissionID,
	}
	if rec.AnalysisID == "" {
		return rec, errors.New("missing analysis_id")
	}
	if strings.TrimSpace(p.PredictedAt) != "" {
		ts, err := time.Parse(time.RFC3339, p.PredictedAt)
		if err != nil {
			return rec, errors.New("invalid predicted_at; must be RFC3339")
		}
		rec.PredictedAt = ts.UTC()
	}
	return rec, nil
}

// outcomeRequest mirrors the OpenAPI schema for POST /predictions/{id}/outcome.
type outcomeRequest struct {
	BusinessSuccessful   *bool    `json:"business_successful"`
	ActualMonthlyRevenue float64  `json:"actual_monthly_revenue"`
	ProblemsEncountered  []string `json:"problems_encountered"`
	RecordedAt           string   `json:"recorded_at"`
	SubmissionID         string   `json:"submission_id"`
}

func (o *outcomeRequest) outcome() (model.Outcome, error) {
	if o.BusinessSuccessful == nil {
		return model.Outcome{}, errors.New("missing business_successful")
	}
	out := model.Outcome{
		BusinessSuccessful:   *o.BusinessSuccessful,
		ActualMonthlyRevenue: o.ActualMonthlyRevenue,
		ProblemsEncountered:  o.ProblemsEncountered,
		SubmissionID:         o.SubmissionID,
	}
	if strings.TrimSpace(o.RecordedAt) != "" {
		ts, err := time.Parse(time.RFC3339, o.RecordedAt)
		if err != nil {
			return out, errors.New("invalid recorded_at; must be RFC3339")
		}
		out.RecordedAt = ts.UTC()
	}
	return out, nil
}

// PredictionsHandler handles prediction and outcome submissions.
type PredictionsHandler struct {
	deps PredictionDependencies
}

// NewPredictionsHandler creates a new predictions handler.
func NewPredictionsHandler(deps PredictionDependencies) *PredictionsHandler {
	return &PredictionsHandler{deps: deps}
}

// HandleCreate handles POST /predictions requests.
func (h *PredictionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_prediction"
	var req predictionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	rec, err := req.record()
	if err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}

	receipt, err := h.deps.RecordPrediction(r.Context(), rec)
	if err != nil {
		writeFailure(w, err)
		return
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

// HandleGet handles GET /predictions/{id} requests.
func (h *PredictionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_prediction"
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeFailure(w, NewKind(op, ErrBadRequest))
		return
	}
	rec, err := h.deps.GetPrediction(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleOutcome handles POST /predictions/{id}/outcome requests.
func (h *PredictionsHandler) HandleOutcome(w http.ResponseWriter, r *http.Request) {
	const op = "api.record_outcome"
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeFailure(w, NewKind(op, ErrBadRequest))
		return
	}
	var req outcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	outcome, err := req.outcome()
	if err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}

	res, err := h.deps.RecordOutcome(r.Context(), id, outcome)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
