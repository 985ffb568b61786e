package engine

import "errors"

// Sentinel errors returned by engine operations. API handlers map these to
// HTTP status codes with errors.Is, so wrap rather than replace them.
var (
	// ErrUnknownEvent indicates the event id has no venue record.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrUnknownGate indicates the gate id does not exist.
	ErrUnknownGate = errors.New("unknown gate")

	// ErrUnknownDecision indicates the decision event id does not exist.
	ErrUnknownDecision = errors.New("unknown decision event")

	// ErrPipelineBusy indicates an execute is already running for the event.
	// The caller should retry after the running pipeline completes.
	ErrPipelineBusy = errors.New("pipeline busy")

	// ErrInvalidTransition indicates a gate state change that the lifecycle
	// does not permit. The gate state is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStaleState indicates optimistic concurrency lost twice in a row on
	// a gate state update.
	ErrStaleState = errors.New("stale gate state")

	// ErrAlreadyReviewed indicates a review verdict was already attached to
	// the decision event.
	ErrAlreadyReviewed = errors.New("decision already reviewed")

	// ErrInsufficientData flags a derivation over data the quality assessor
	// rated insufficient. Advisory: preview and execute still run.
	ErrInsufficientData = errors.New("insufficient check-in data")

	// ErrPipelineExecutionFailed wraps persistence failures during execute.
	// The transaction is rolled back; no partial gate set remains.
	ErrPipelineExecutionFailed = errors.New("pipeline execution failed")
)
