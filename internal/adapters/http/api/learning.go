package api

import (
	"context"
	"net/http"

	"github.com/okian/feedbackloop/internal/domain/model"
)

// LearningDependencies defines the learning-cycle operations.
type LearningDependencies interface {
	GetStats(ctx context.Context) (model.LearningStats, error)
	RunCycle(ctx context.Context) (*model.CycleReport, error)
}

// LearningHandler serves the learning aggregate and forced cycles.
type LearningHandler struct {
	deps LearningDependencies
}

// NewLearningHandler creates a new learning handler.
func NewLearningHandler(deps LearningDependencies) *LearningHandler {
	return &LearningHandler{deps: deps}
}

// HandleStats handles GET /learning/stats requests.
func (h *LearningHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.GetStats(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleRunCycle handles POST /learning/cycles requests.
func (h *LearningHandler) HandleRunCycle(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.RunCycle(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cycleResponse{Report: report})
}
