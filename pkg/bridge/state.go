package bridge

// State is the session lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateAwaitingBothReady
	StateGreeting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingBothReady:
		return "AWAITING_BOTH_READY"
	case StateGreeting:
		return "GREETING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateConnecting:        {StateAwaitingBothReady, StateClosing},
	StateAwaitingBothReady: {StateGreeting, StateActive, StateClosing},
	StateGreeting:          {StateActive, StateClosing},
	StateActive:            {StateClosing},
	StateClosing:           {StateClosed},
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine is owned by one session loop and needs no locking.
type stateMachine struct {
	current State
	onChange func(from, to State)
}

func (m *stateMachine) State() State { return m.current }

func (m *stateMachine) Transition(to State) error {
	for _, allowed := range validTransitions[m.current] {
		if allowed == to {
			from := m.current
			m.current = to
			if m.onChange != nil {
				m.onChange(from, to)
			}
			return nil
		}
	}
	return &InvalidTransitionError{From: m.current, To: to}
}
