package appointment

import "github.com/hackgods/clinic-slot-engine/internal/config"

// TransitionPolicy decides which status may follow which on doctor-driven
// and report-driven changes. Patient cancellation has its own fixed rule.
type TransitionPolicy interface {
	Allows(from, to AppointmentStatus) bool
}

// PermissivePolicy lets any status follow any status.
type PermissivePolicy struct{}

func (PermissivePolicy) Allows(_, _ AppointmentStatus) bool { return true }

// StrictPolicy treats Completed and Cancelled as terminal.
type StrictPolicy struct{}

var strictTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCompleted, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

func (StrictPolicy) Allows(from, to AppointmentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range strictTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func PolicyFor(p config.StatusPolicy) TransitionPolicy {
	if p == config.StatusPolicyStrict {
		return StrictPolicy{}
	}
	return PermissivePolicy{}
}
