package workflow

import "github.com/soshogle/nexrel-crm-sub028/model"

// transitions lists the legal status changes. Terminal statuses have no
// outgoing edges.
var transitions = map[model.EnrollmentStatus][]model.EnrollmentStatus{
	model.EnrollmentActive: {
		model.EnrollmentActive,
		model.EnrollmentAwaitingHITL,
		model.EnrollmentPaused,
		model.EnrollmentCompleted,
		model.EnrollmentCancelled,
		model.EnrollmentFailed,
	},
	model.EnrollmentAwaitingHITL: {
		model.EnrollmentActive,
		model.EnrollmentPaused,
		model.EnrollmentCompleted,
		model.EnrollmentCancelled,
		model.EnrollmentFailed,
	},
	model.EnrollmentPaused: {
		model.EnrollmentActive,
		model.EnrollmentCompleted,
		model.EnrollmentCancelled,
		model.EnrollmentFailed,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to model.EnrollmentStatus) bool {
	return statusIn(to, transitions[from])
}

// checkTransition returns INVALID_TRANSITION for an illegal edge.
func checkTransition(from, to model.EnrollmentStatus) error {
	if !CanTransition(from, to) {
		return model.NewInvalidTransitionError(from, to)
	}
	return nil
}

// openStatuses are the non-terminal statuses.
var openStatuses = []model.EnrollmentStatus{
	model.EnrollmentActive,
	model.EnrollmentAwaitingHITL,
	model.EnrollmentPaused,
}
