package executor

import "fmt"

// Phase is a step of an archive run.
type Phase string

const (
	PhaseInit             Phase = "init"
	PhaseProcessingStacks Phase = "processing_stacks"
	PhaseRetention        Phase = "retention"
	PhaseFinalize         Phase = "finalize"
	PhaseDone             Phase = "done"
)

// transitions lists the phases reachable from each phase. Init may jump to
// finalize when no stack is runnable; processing may skip retention in a
// dry run or after cancellation.
var transitions = map[Phase][]Phase{
	PhaseInit:             {PhaseProcessingStacks, PhaseFinalize},
	PhaseProcessingStacks: {PhaseRetention, PhaseFinalize},
	PhaseRetention:        {PhaseFinalize},
	PhaseFinalize:         {PhaseDone},
}

// phaseMachine enforces forward-only movement through the phases.
type phaseMachine struct {
	current Phase
	visited map[Phase]bool
	onEnter func(Phase)
}

func newPhaseMachine(onEnter func(Phase)) *phaseMachine {
	return &phaseMachine{
		current: PhaseInit,
		visited: map[Phase]bool{PhaseInit: true},
		onEnter: onEnter,
	}
}

func (m *phaseMachine) Current() Phase {
	return m.current
}

// Advance moves to next, rejecting transitions not in the table and any
// phase already entered.
func (m *phaseMachine) Advance(next Phase) error {
	if m.visited[next] {
		return fmt.Errorf("phase %s already entered", next)
	}
	for _, p := range transitions[m.current] {
		if p == next {
			m.current = next
			m.visited[next] = true
			if m.onEnter != nil {
				m.onEnter(next)
			}
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s", m.current, next)
}
