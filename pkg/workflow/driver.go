package workflow

import (
	"errors"
	"fmt"
)

// DefaultMaxRetries is the number of retries a phase gets after its first attempt.
const DefaultMaxRetries = 2

// Action is what the caller must do after a phase completes.
type Action string

const (
	// ActionRetry creates a fresh child order for the same phase.
	ActionRetry Action = "retry"

	// ActionAdvance creates the child order of the next phase.
	ActionAdvance Action = "advance"

	// ActionComplete finalizes the workflow as Completed.
	ActionComplete Action = "complete"

	// ActionFail finalizes the workflow as Failed.
	ActionFail Action = "fail"
)

// State is the part of a workflow request the transition function depends on.
type State struct {
	Kind       Kind
	CarryData  bool
	Phase      Phase
	RetryCount int
	MaxRetries int
}

// Outcome is the result of the phase's latest child order.
type Outcome struct {
	Success bool
	Error   string
}

// Decision is the result of Next.
type Decision struct {
	Action Action

	// Phase is the phase to run next for ActionRetry and ActionAdvance, and the
	// phase that just completed otherwise.
	Phase Phase

	// Step is the child order to create for ActionRetry and ActionAdvance.
	Step Step

	// RetryCount is the retry count of Phase after applying the decision.
	RetryCount int

	// Attempts is the number of child orders the failed phase consumed (ActionFail).
	Attempts int

	Resolution Resolution
	Message    string
}

// Start returns the initial state and first step of a workflow.
func Start(kind Kind, carryData bool, maxRetries int) (State, Step, error) {
	d, err := DriverFor(kind)
	if err != nil {
		return State{}, Step{}, err
	}
	if maxRetries < 0 {
		return State{}, Step{}, errors.New("max retries must not be negative")
	}
	first := d.Steps(carryData)[0]
	return State{Kind: kind, CarryData: carryData, Phase: first.Phase, MaxRetries: maxRetries}, first, nil
}

// Next decides how a workflow proceeds after its current phase's child order
// reached a terminal state.
func Next(s State, o Outcome) (Decision, error) {
	d, err := DriverFor(s.Kind)
	if err != nil {
		return Decision{}, err
	}
	steps := d.Steps(s.CarryData)
	idx := -1
	for i, step := range steps {
		if step.Phase == s.Phase {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Decision{}, fmt.Errorf("phase %s is not part of %s", s.Phase, s.Kind)
	}

	if !o.Success {
		if s.RetryCount < s.MaxRetries {
			return Decision{
				Action:     ActionRetry,
				Phase:      s.Phase,
				Step:       steps[idx],
				RetryCount: s.RetryCount + 1,
				Message:    fmt.Sprintf("retrying phase %s (retry %d of %d): %s", s.Phase, s.RetryCount+1, s.MaxRetries, o.Error),
			}, nil
		}
		attempts := s.RetryCount + 1
		return Decision{
			Action:     ActionFail,
			Phase:      s.Phase,
			RetryCount: s.RetryCount,
			Attempts:   attempts,
			Resolution: d.FailureResolution(s.Phase),
			Message:    fmt.Sprintf("%s failed in phase %s after %d attempts: %s", s.Kind, s.Phase, attempts, o.Error),
		}, nil
	}

	if idx == len(steps)-1 {
		return Decision{
			Action:     ActionComplete,
			Phase:      s.Phase,
			RetryCount: s.RetryCount,
			Resolution: ResolutionCompleted,
		}, nil
	}
	next := steps[idx+1]
	return Decision{
		Action:  ActionAdvance,
		Phase:   next.Phase,
		Step:    next,
		Message: fmt.Sprintf("phase %s completed, advancing to %s", s.Phase, next.Phase),
	}, nil
}
