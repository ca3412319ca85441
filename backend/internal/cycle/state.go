package cycle

import "fmt"

// State is the position of a cycle in its four-step pipeline.
type State int

// Cycle states.
const (
	StateIdle          State = iota
	StateSelectingTask       // Task-selection agent marks the next item in progress.
	StateImplementing        // Implementation agent works on the task.
	StateCommitting          // Version-control agent commits the changes.
	StateFinalizing          // Task-selection agent marks the item done.
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelectingTask:
		return "selecting_task"
	case StateImplementing:
		return "implementing"
	case StateCommitting:
		return "committing"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateSelectingTask
	case StateSelectingTask:
		return to == StateImplementing || to == StateAborted
	case StateImplementing:
		return to == StateCommitting || to == StateAborted
	case StateCommitting:
		return to == StateFinalizing || to == StateAborted
	case StateFinalizing:
		return to == StateCompleted || to == StateAborted
	default:
		return false
	}
}

func transition(from, to State) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed cycle transition: %s -> %s", from, to)
	}
	return nil
}

// StepKind names one of the four steps.
type StepKind int

// Steps, in execution order.
const (
	StepSelectTask StepKind = iota + 1
	StepImplement
	StepCommit
	StepMarkDone
)

func (k StepKind) String() string {
	switch k {
	case StepSelectTask:
		return "select_task"
	case StepImplement:
		return "implement"
	case StepCommit:
		return "commit"
	case StepMarkDone:
		return "mark_done"
	default:
		return "unknown"
	}
}

// state returns the cycle state during which the step runs.
func (k StepKind) state() State {
	switch k {
	case StepSelectTask:
		return StateSelectingTask
	case StepImplement:
		return StateImplementing
	case StepCommit:
		return StateCommitting
	case StepMarkDone:
		return StateFinalizing
	default:
		return StateIdle
	}
}

// AbortReason classifies why a cycle stopped before completing.
type AbortReason string

// Abort reasons.
const (
	ReasonNone        AbortReason = ""
	ReasonNoTask      AbortReason = "no task"
	ReasonAgentFailed AbortReason = "agent failed"
	ReasonFinalize    AbortReason = "finalize failed"
	ReasonInterrupted AbortReason = "interrupted"
)
