package types

// Priority is the dispatch band of a job. Lower numeric values dispatch
// sooner.
type Priority int

const (
	PRIORITY_EXTRA_HIGH Priority = iota
	PRIORITY_HIGH
	PRIORITY_MEDIUM
	PRIORITY_LOW
)

// Priorities lists all bands, best first.
var Priorities = []Priority{
	PRIORITY_EXTRA_HIGH,
	PRIORITY_HIGH,
	PRIORITY_MEDIUM,
	PRIORITY_LOW,
}

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PRIORITY_EXTRA_HIGH:
		return "extra_high"
	case PRIORITY_HIGH:
		return "high"
	case PRIORITY_MEDIUM:
		return "medium"
	case PRIORITY_LOW:
		return "low"
	}
	return "unknown"
}

// Demote returns the next-worse band, saturating at PRIORITY_LOW. Retried
// operations are demoted one band per attempt so that fresh work is not
// starved by a flapping job.
func (p Priority) Demote() Priority {
	if p >= PRIORITY_LOW {
		return PRIORITY_LOW
	}
	return p + 1
}

// PriorityForOperation returns the initial dispatch band for the given
// operation kind: fresh compilations are HIGH, fresh evaluations MEDIUM, and
// user tests HIGH. Each prior try demotes one band.
func PriorityForOperation(kind OperationKind, tries int) Priority {
	var p Priority
	switch kind {
	case OPERATION_COMPILATION:
		p = PRIORITY_HIGH
	case OPERATION_EVALUATION:
		p = PRIORITY_MEDIUM
	case OPERATION_USER_TEST_COMPILATION, OPERATION_USER_TEST_EVALUATION:
		p = PRIORITY_HIGH
	default:
		p = PRIORITY_LOW
	}
	for i := 0; i < tries; i++ {
		p = p.Demote()
	}
	return p
}
