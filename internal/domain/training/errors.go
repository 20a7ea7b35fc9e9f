package training

import "errors"

// Sentinel errors for model fitting.
var (
	// ErrComputeFailure wraps any per-metric fitting failure. It never aborts
	// the other metrics of a cycle.
	ErrComputeFailure = errors.New("compute failure")
	// ErrSingularSystem indicates the normal equations could not be solved.
	ErrSingularSystem = errors.New("singular normal equations")
	// ErrNonFinite indicates a NaN or infinite label or prediction.
	ErrNonFinite = errors.New("non-finite value")
	// ErrShapeMismatch indicates rows and labels of different lengths.
	ErrShapeMismatch = errors.New("rows and labels differ in length")
)
