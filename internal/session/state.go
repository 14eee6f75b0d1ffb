package session

import "log/slog"

// State is a session's position in the conversation loop.
type State string

const (
	// StateIdle is the birth state, left as soon as the accept handshake
	// flushes the first status event.
	StateIdle State = "IDLE"

	// StateUserSpeaking means the session is buffering caller audio and
	// watching for a turn end.
	StateUserSpeaking State = "USER_SPEAKING"

	// StateAIProcessing means a turn is in flight but no reply audio has
	// been sent yet.
	StateAIProcessing State = "AI_PROCESSING"

	// StateAISpeaking means reply audio is streaming to the client.
	StateAISpeaking State = "AI_SPEAKING"

	// StateTimeout is wire-only: it is sent as a status event just before
	// an inactivity teardown and is never entered by the machine.
	StateTimeout State = "TIMEOUT"
)

// transitions is the set of legal moves. IDLE is reachable from every
// active state so cleanup can always park the machine.
var transitions = map[State][]State{
	StateIdle:         {StateUserSpeaking},
	StateUserSpeaking: {StateAIProcessing, StateIdle},
	StateAIProcessing: {StateAISpeaking, StateUserSpeaking, StateIdle},
	StateAISpeaking:   {StateUserSpeaking, StateIdle},
}

// Machine tracks the session state and guards transitions. It is not safe
// for concurrent use; the owning session serializes access.
type Machine struct {
	current  State
	log      *slog.Logger
	onChange func(from, to State)
}

// NewMachine returns a machine in [StateIdle]. onChange, when non-nil, is
// invoked after every successful transition; the session uses it to emit
// status events.
func NewMachine(log *slog.Logger, onChange func(from, to State)) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{current: StateIdle, log: log, onChange: onChange}
}

// Current returns the present state.
func (m *Machine) Current() State { return m.current }

// Is reports whether the machine is in s.
func (m *Machine) Is(s State) bool { return m.current == s }

// TransitionTo moves to next if the transition table allows it and reports
// whether the move happened. Illegal moves are logged at debug and leave
// the state untouched; they never panic.
func (m *Machine) TransitionTo(next State) bool {
	for _, allowed := range transitions[m.current] {
		if next == allowed {
			from := m.current
			m.current = next
			m.log.Debug("state changed", "from", from, "to", next)
			if m.onChange != nil {
				m.onChange(from, next)
			}
			return true
		}
	}
	m.log.Debug("illegal state transition refused", "from", m.current, "to", next)
	return false
}

// ForceIdle resets to [StateIdle] without consulting the table or firing
// onChange. Used during teardown when the connection may already be gone.
func (m *Machine) ForceIdle() {
	m.log.Debug("state forced", "from", m.current, "to", StateIdle)
	m.current = StateIdle
}
