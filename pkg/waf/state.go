package waf

import "fmt"

// State is the lifecycle position of an engine. Transitions are
// strictly ordered: Created -> Deployed -> Working -> Closed, with
// restart re-entering Deployed from Closed.
type State int

const (
	StateCreated State = iota
	StateDeployed
	StateWorking
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateDeployed:
		return "Deployed"
	case StateWorking:
		return "Working"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateError reports an invalid call ordering on the engine. The
// engine's state is unchanged by the failed call.
type StateError struct {
	State State
	Hint  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("waf: instance is %s, %s", e.State, e.Hint)
}
