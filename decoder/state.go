package decoder

import (
	"fmt"
)

type State int

const (
	StateCreated = State(iota)
	StateStarted
	StateInputDraining
	StateOutputDraining
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateInputDraining:
		return "input_draining"
	case StateOutputDraining:
		return "output_draining"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("unexpected_state_%d", int(s))
}

func (s State) IsTerminal() bool {
	return s == StateDone || s == StateAborted
}
